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

package event

// Category is the role an event plays in the group structure of the log.
// It decides whether the dispatcher parallelizes, serializes or handles the
// event inline.
type Category int

const (
	// CategoryGroupStart opens an event group (a GTID event).
	CategoryGroupStart Category = iota + 1
	// CategoryGroupBody is a data event inside an open group.
	CategoryGroupBody
	// CategoryGroupEnd closes the open group.
	CategoryGroupEnd
	// CategoryStandalone is a data event seen outside of any group.
	CategoryStandalone
	// CategoryControl is a log bookkeeping event that is never part of a
	// group's data.
	CategoryControl
)

func (c Category) String() string {
	switch c {
	case CategoryGroupStart:
		return "GroupStart"
	case CategoryGroupBody:
		return "GroupBody"
	case CategoryGroupEnd:
		return "GroupEnd"
	case CategoryStandalone:
		return "Standalone"
	case CategoryControl:
		return "Control"
	}
	return "Unknown"
}

// GroupState is the group structure state of a reader of the log.
type GroupState int

const (
	// GroupNone means no group is open.
	GroupNone GroupState = iota
	// GroupOpen means a group is open and ends with an XID or COMMIT.
	GroupOpen
	// GroupOpenStandalone means a group is open and ends with its next
	// data event.
	GroupOpenStandalone
)

// Categorize classifies ev given the current group state.
func Categorize(ev *Event, state GroupState) Category {
	switch ev.Type {
	case TypeGTID:
		return CategoryGroupStart
	case TypeQuery, TypeRows:
		switch state {
		case GroupOpen:
			if ev.IsCommitMarker() {
				return CategoryGroupEnd
			}
			return CategoryGroupBody
		case GroupOpenStandalone:
			return CategoryGroupEnd
		}
		return CategoryStandalone
	case TypeXID:
		if state == GroupNone {
			return CategoryStandalone
		}
		return CategoryGroupEnd
	case TypeRotate, TypeFormatDescription, TypeHeartbeat, TypeGTIDList:
		return CategoryControl
	}
	return CategoryControl
}

// Next returns the group state after an event of category c.
func (c Category) Next(ev *Event, state GroupState) GroupState {
	switch c {
	case CategoryGroupStart:
		if ev.Flags.Has(FlagStandalone) {
			return GroupOpenStandalone
		}
		return GroupOpen
	case CategoryGroupEnd:
		return GroupNone
	}
	return state
}
