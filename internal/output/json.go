package output

import "encoding/json"

func renderJSON(data any) (string, error) {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
