package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sign computes the tamper-evident signature over body using the
// endpoint's secret. Receivers recompute the HMAC over the exact
// received bytes and compare.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against body. Provided
// for receiver-side use and tests; the gateway itself only signs.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Envelope serializes the delivery body: the event payload merged with
// the delivery envelope fields. The same bytes are signed and sent;
// callers must not re-serialize between signing and sending.
func Envelope(eventType, deliveryID, timestamp string, payload json.RawMessage) ([]byte, error) {
	fields := map[string]interface{}{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("decode delivery payload: %w", err)
		}
	}
	fields["event_type"] = eventType
	fields["delivery_id"] = deliveryID
	fields["timestamp"] = timestamp

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode delivery body: %w", err)
	}
	return body, nil
}
