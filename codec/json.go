package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Manifests and catalog entries are plain structs, so JSON is the most
// portable choice. Archived files always record the codec name, so the
// default can change without breaking old archives.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the library.
//
// This affects newly written manifests only. Existing archives are
// self-describing and are decoded by the codec named in them.
var Default Codec = GoJSON{}
