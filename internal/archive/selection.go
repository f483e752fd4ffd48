package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptySelection means there is nothing to put in the archive.
var ErrEmptySelection = errors.New("no files selected")

// Selection is either every file in the repository or an explicit ordered
// list of names. The zero value selects nothing.
type Selection struct {
	all   bool
	names []string
}

func All() Selection { return Selection{all: true} }

// Named selects names in the given order, dropping duplicates.
func Named(names ...string) Selection {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return Selection{names: out}
}

func (s Selection) IsAll() bool     { return s.all }
func (s Selection) Names() []string { return append([]string(nil), s.names...) }

func (s Selection) IsEmpty() bool { return !s.all && len(s.names) == 0 }

// UnmarshalJSON accepts the string "ALL" (any case) or an array of names.
func (s *Selection) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = Selection{}
		return nil
	}
	switch b[0] {
	case '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if !strings.EqualFold(v, "all") {
			return errors.New(`selection string must be "ALL"`)
		}
		*s = All()
		return nil
	case '[':
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return errors.New("selection must be \"ALL\" or a list of file names")
		}
		*s = Named(names...)
		return nil
	default:
		return errors.New("selection must be \"ALL\" or a list of file names")
	}
}

func (s Selection) MarshalJSON() ([]byte, error) {
	if s.all {
		return []byte(`"ALL"`), nil
	}
	if len(s.names) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(s.names)
}
