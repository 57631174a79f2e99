package chainrabbit

import "encoding/json"

// jsonMarshal is the shared UTF-8 JSON encode path used by both the
// Publisher and a Consumer's auto-reply.
func jsonMarshal(payload interface{}) (body []byte, contentType, contentEncoding string, err error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", "", ConfigError("marshal json payload", err)
	}
	return b, "application/json", "utf8", nil
}
