package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/hedgebot/internal/domain"
)

// Module is one queued unit of work.
type Module struct {
	ID     string        `json:"module_id,omitempty"`
	Name   string        `json:"module_name"`
	Status domain.Status `json:"status"`
}

// walletRef is a group member as persisted in a group record.
type walletRef struct {
	EncodedSecret string  `json:"encoded_privatekey"`
	Address       string  `json:"address"`
	Proxy         *string `json:"proxy"`
	Label         string  `json:"label"`
}

// record is either an account record (keyed by its encoded secret) or a group
// record (keyed by its group index). Group records always carry group_number.
type record struct {
	Address     string      `json:"address,omitempty"`
	Label       string      `json:"label,omitempty"`
	Proxy       *string     `json:"proxy,omitempty"`
	GroupNumber int         `json:"group_number,omitempty"`
	Modules     []Module    `json:"modules"`
	Wallets     []walletRef `json:"wallets_data,omitempty"`
}

func (r *record) isGroup() bool {
	return r.GroupNumber != 0
}

func (r *record) countStatus(status domain.Status) int {
	n := 0
	for _, m := range r.Modules {
		if m.Status == status {
			n++
		}
	}
	return n
}

// document is modules.json. Keys keep their file order so listing without
// shuffle follows input order.
type document struct {
	keys    []string
	records map[string]*record
}

func newDocument() *document {
	return &document{records: make(map[string]*record)}
}

func (d *document) len() int {
	return len(d.keys)
}

func (d *document) get(key string) *record {
	return d.records[key]
}

func (d *document) put(key string, r *record) {
	if _, ok := d.records[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.records[key] = r
}

func (d *document) remove(key string) {
	if _, ok := d.records[key]; !ok {
		return
	}
	delete(d.records, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

func (d *document) first() (string, *record) {
	if len(d.keys) == 0 {
		return "", nil
	}
	return d.keys[0], d.records[d.keys[0]]
}

func (d *document) kind() Kind {
	_, r := d.first()
	switch {
	case r == nil:
		return KindEmpty
	case r.isGroup():
		return KindGroups
	default:
		return KindAccounts
	}
}

func (d *document) moduleCount() int {
	n := 0
	for _, k := range d.keys {
		n += len(d.records[k].Modules)
	}
	return n
}

// MarshalJSON implements json.Marshaler.
func (d *document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		rb, err := json.Marshal(d.records[k])
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(rb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. A bare [] is read as an empty
// store, which is how freshly created installs initialised the file.
func (d *document) UnmarshalJSON(data []byte) error {
	d.keys = nil
	d.records = make(map[string]*record)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[]")) || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected key, got %v", tok)
		}
		var r record
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		d.put(key, &r)
	}

	_, err = dec.Token()
	return err
}

// readJSON loads path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path with the encoding of v. The data is written to a
// temp file in the same directory, synced, then renamed over path.
func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
