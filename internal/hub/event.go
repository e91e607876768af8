package hub

import "encoding/json"

// イベント種別。クライアントとの間でやり取りするJSONイベントのtypeフィールド値。
const (
	// EventWelcome は接続確立直後に当該接続のみに送られる。
	EventWelcome = "welcome"
	// EventChatMessage はブロードキャストされるチャットメッセージ。
	EventChatMessage = "chat message"
)

// Event はWebSocket上でやり取りするイベントのエンベロープ。
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WelcomePayload はwelcomeイベントのペイロード。
type WelcomePayload struct {
	Message string `json:"message"`
}

// marshalEvent はイベントをJSONにエンコードする。
func marshalEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Payload: raw})
}
