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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"parapply.io/parapply/go/vt/binlog/event"
	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/relaylog"
	"parapply.io/parapply/go/vt/vterrors"
)

// maxImportLine bounds the size of one encoded event in an import file.
const maxImportLine = 64 * 1024 * 1024

func newImportCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Appends events from a JSON lines file to the journal.",
		Long: "Reads one JSON encoded event per line and appends them to the journal in order.\n" +
			"Blank lines and lines starting with # are ignored.",
		Example: "parapplyd import --journal-dir /var/lib/parapply --file events.jsonl",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runImport(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.importFile, "file", "-", "File to import, - for standard input")
	return cmd
}

func (o *options) runImport(stdin io.Reader, out io.Writer) error {
	in := stdin
	if o.importFile != "-" {
		f, err := os.Open(o.importFile)
		if err != nil {
			return vterrors.Wrapf(vterrors.WithCode(err, vterrors.NotFound), "cannot open %s", o.importFile)
		}
		defer f.Close()
		in = f
	}
	j, err := o.openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	n, err := importEvents(j, in)
	if err != nil {
		return err
	}
	log.Infof("Imported %d events, journal tail is at %d", n, j.Tail())
	fmt.Fprintf(out, "imported %d events, journal tail %d\n", n, j.Tail())
	return nil
}

// importEvents appends every event read from in to j and returns how many
// were appended.
func importEvents(j *relaylog.Journal, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || data[0] == '#' {
			continue
		}
		ev, err := event.Unmarshal(data)
		if err != nil {
			return n, vterrors.Wrapf(err, "line %d", line)
		}
		if _, err := j.Append(ev); err != nil {
			return n, vterrors.Wrapf(err, "line %d", line)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, vterrors.Wrapf(vterrors.WithCode(err, vterrors.InvalidArgument), "cannot read events after line %d", line)
	}
	return n, nil
}
