package helpers

import (
	"encoding/json"
)

// ToJsonString converts any value to JSON string, empty on marshal failure.
// Used for debug logging of book views.
func ToJsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
