/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/vterrors"
)

// journalStatus is what the status command prints.
type journalStatus struct {
	Head   int64         `json:"head"`
	Tail   int64         `json:"tail"`
	Cursor *event.Cursor `json:"cursor"`
	// Pending is the number of journal bytes not applied yet.
	Pending int64 `json:"pending"`
}

func newStatusCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the journal bounds and the stored apply position.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runStatus(cmd.OutOrStdout())
		},
	}
}

func (o *options) runStatus(out io.Writer) error {
	j, err := o.openJournal()
	if err != nil {
		return err
	}
	defer j.Close()
	cursor, err := j.LoadCursor()
	if err != nil {
		return err
	}
	st := journalStatus{
		Head:    j.Head(),
		Tail:    j.Tail(),
		Cursor:  cursor,
		Pending: j.Tail() - cursor.Offset,
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return vterrors.Wrap(vterrors.WithCode(err, vterrors.Internal), "cannot encode status")
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func newPurgeCommand(o *options) *cobra.Command {
	var to int64
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Deletes the journal records the stored apply position is past.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := o.openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			offset := to
			if offset < 0 {
				cursor, err := j.LoadCursor()
				if err != nil {
					return err
				}
				offset = cursor.Offset
			}
			if err := j.Purge(offset); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "journal head %d\n", j.Head())
			return nil
		},
	}
	cmd.Flags().Int64Var(&to, "to", -1, "Offset to purge up to; defaults to the stored apply position")
	return cmd
}
