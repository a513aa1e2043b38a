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

// Package event defines the decoded replication log events consumed by the
// parallel applier, the GTIDs that identify event groups, and the durable
// resumption cursor.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parapply.io/parapply/go/vt/vterrors"
)

// Type is the decoded kind of a log event.
type Type int

// Event types. The numbering is internal and not tied to any wire format.
const (
	TypeUnknown Type = iota
	TypeGTID
	TypeQuery
	TypeRows
	TypeXID
	TypeRotate
	TypeFormatDescription
	TypeHeartbeat
	TypeGTIDList
)

var typeNames = map[Type]string{
	TypeUnknown:           "unknown",
	TypeGTID:              "gtid",
	TypeQuery:             "query",
	TypeRows:              "rows",
	TypeXID:               "xid",
	TypeRotate:            "rotate",
	TypeFormatDescription: "format_description",
	TypeHeartbeat:         "heartbeat",
	TypeGTIDList:          "gtid_list",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// MarshalText encodes the type by name.
func (t Type) MarshalText() ([]byte, error) {
	name, ok := typeNames[t]
	if !ok || t == TypeUnknown {
		return nil, vterrors.Errorf(vterrors.InvalidArgument, "cannot encode event type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a type name.
func (t *Type) UnmarshalText(b []byte) error {
	s := string(b)
	for typ, name := range typeNames {
		if name == s && typ != TypeUnknown {
			*t = typ
			return nil
		}
	}
	return vterrors.Errorf(vterrors.InvalidArgument, "unknown event type %q", s)
}

// Flags qualify a GTID event and therefore the whole group it opens.
type Flags uint8

const (
	// FlagStandalone marks a group made of the GTID event plus exactly one
	// more event and no terminating XID.
	FlagStandalone Flags = 1 << iota
	// FlagTransactional marks a group that only touches transactional
	// storage and can be rolled back and retried.
	FlagTransactional
	// FlagDDL marks a group carrying a schema change.
	FlagDDL
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// GTID is a MariaDB style global transaction id.
type GTID struct {
	Domain   uint32
	Server   uint32
	Sequence uint64
}

// String returns the canonical domain-server-sequence form.
func (gtid GTID) String() string {
	return fmt.Sprintf("%d-%d-%d", gtid.Domain, gtid.Server, gtid.Sequence)
}

// IsZero is true for the zero GTID.
func (gtid GTID) IsZero() bool {
	return gtid == GTID{}
}

// ParseGTID parses a GTID in the domain-server-sequence form.
func ParseGTID(s string) (GTID, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return GTID{}, vterrors.Errorf(vterrors.InvalidArgument, "invalid GTID (%v): expecting Domain-Server-Sequence", s)
	}
	domain, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return GTID{}, vterrors.Wrapf(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid GTID Domain ID (%v)", parts[0])
	}
	server, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return GTID{}, vterrors.Wrapf(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid GTID Server ID (%v)", parts[1])
	}
	sequence, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return GTID{}, vterrors.Wrapf(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid GTID Sequence number (%v)", parts[2])
	}
	return GTID{Domain: uint32(domain), Server: uint32(server), Sequence: sequence}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (gtid GTID) MarshalText() ([]byte, error) {
	return []byte(gtid.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (gtid *GTID) UnmarshalText(b []byte) error {
	parsed, err := ParseGTID(string(b))
	if err != nil {
		return err
	}
	*gtid = parsed
	return nil
}

// Event is one decoded unit of the replication log. Offset and EndOffset
// are assigned by the journal the event was read from.
type Event struct {
	Type Type `json:"type"`
	// GTID and CommitID are only meaningful on TypeGTID events. A zero
	// CommitID means the source recorded no group commit batch.
	GTID     GTID   `json:"gtid"`
	CommitID uint64 `json:"commit_id,omitempty"`
	Flags    Flags  `json:"flags,omitempty"`

	// LogFile is the name of the source log the event came from.
	LogFile   string `json:"log_file,omitempty"`
	Offset    int64  `json:"-"`
	EndOffset int64  `json:"-"`
	Timestamp int64  `json:"timestamp,omitempty"`

	// Payload is opaque to the applier core and handed to the executor.
	Payload string `json:"payload,omitempty"`

	// MasterRestart is set on a FormatDescription event written by a
	// source that restarted, which invalidates any group left open.
	MasterRestart bool `json:"master_restart,omitempty"`
}

// Size is the number of log bytes the event occupies.
func (ev *Event) Size() int64 {
	return ev.EndOffset - ev.Offset
}

// Time returns the source timestamp of the event.
func (ev *Event) Time() time.Time {
	return time.Unix(ev.Timestamp, 0)
}

// IsCommitMarker is true for events that only terminate a group and carry
// nothing to apply.
func (ev *Event) IsCommitMarker() bool {
	switch ev.Type {
	case TypeXID:
		return true
	case TypeQuery:
		return strings.EqualFold(strings.TrimSpace(ev.Payload), "COMMIT")
	}
	return false
}

func (ev *Event) String() string {
	if ev.Type == TypeGTID {
		return fmt.Sprintf("%v %v@%d", ev.Type, ev.GTID, ev.Offset)
	}
	return fmt.Sprintf("%v@%d", ev.Type, ev.Offset)
}

// Marshal encodes an event for the journal or an import file.
func Marshal(ev *Event) ([]byte, error) {
	if ev == nil {
		return nil, vterrors.New(vterrors.InvalidArgument, "nil event")
	}
	return json.Marshal(ev)
}

// Unmarshal decodes an event. Decoding failures carry the DataLoss code so
// that callers can tell a corrupt log apart from an execution failure.
func Unmarshal(data []byte) (*Event, error) {
	ev := &Event{}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, vterrors.Wrap(vterrors.WithCode(err, vterrors.DataLoss), "cannot decode event")
	}
	if ev.Type == TypeUnknown {
		return nil, vterrors.New(vterrors.DataLoss, "cannot decode event: missing type")
	}
	return ev, nil
}

// Source is a sequential cursor over decoded events.
type Source interface {
	// Next returns the next event, or io.EOF at the end of the log.
	Next() (*Event, error)
	Close() error
}
