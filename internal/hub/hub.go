// Package hub は認証済みWebSocket接続のレジストリと
// 全接続へのメッセージブロードキャストを提供する。
//
// ハンドシェイク時に1回だけアイデンティティを検証し、接続のライフタイム全体に
// わたってそのアイデンティティを束縛する。中継されるすべてのメッセージの
// usernameフィールドは、ペイロードの申告値にかかわらず送信者の確認済み
// メールアドレスで上書きされる。
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/chatgate/internal/middleware"
	"github.com/hitoshi/chatgate/internal/model"
	"github.com/hitoshi/chatgate/internal/session"
	"github.com/hitoshi/chatgate/internal/token"
)

// TokenVerifier はトークン検証のインターフェース。
// token.Serviceの部分集合として定義する。
type TokenVerifier interface {
	Verify(tokenString string) (*model.Identity, error)
}

// Metrics はハブが記録するメトリクスのインターフェース。
// metrics.Collectorの部分集合として定義する。
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	RecordHandshakeRejected()
	RecordBroadcast(receiverCount int)
	RecordSendDropped()
	RecordAuthFailure(cause string)
}

// nopMetrics はメトリクス収集なしで動作させるための実装。
type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                 {}
func (nopMetrics) ConnectionClosed()                 {}
func (nopMetrics) RecordHandshakeRejected()          {}
func (nopMetrics) RecordBroadcast(receiverCount int) {}
func (nopMetrics) RecordSendDropped()                {}
func (nopMetrics) RecordAuthFailure(cause string)    {}

// Config はハブの設定。
type Config struct {
	// SendQueueSize は接続ごとの送信キュー容量。
	// キューを使い切った低速な受信側は、ブロードキャスト全体を
	// 停滞させないために切断される。
	SendQueueSize int

	// AllowedOrigin はハンドシェイクで許可するOrigin。空の場合はすべて許可する。
	AllowedOrigin string
}

// Hub は接続レジストリとブロードキャストドメインを所有する。
// レジストリの変更と配送の反復はすべて単一のRunゴルーチンで処理し、
// 共有コレクションへの多重アクセスを排除する。
type Hub struct {
	verifier  TokenVerifier
	metrics   Metrics
	sanitizer *bluemonday.Policy
	upgrader  websocket.Upgrader
	queueSize int

	// clients はRunゴルーチンのみが触れる
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	done    chan struct{}
	stopped chan struct{}
}

// New はHubを生成する。metricsがnilの場合は収集なしで動作する。
func New(verifier TokenVerifier, m Metrics, config Config) *Hub {
	if m == nil {
		m = nopMetrics{}
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = 64
	}

	return &Hub{
		verifier:  verifier,
		metrics:   m,
		sanitizer: bluemonday.StrictPolicy(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(config.AllowedOrigin),
		},
		queueSize:  config.SendQueueSize,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run はハブのメインループを実行する。登録・登録解除・ブロードキャストを
// 単一ゴルーチンで直列に処理する。Shutdownが呼ばれるまでブロックする。
func (h *Hub) Run() {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.metrics.ConnectionOpened()
			h.sendWelcome(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			delivered := 0
			for client := range h.clients {
				select {
				case client.send <- data:
					delivered++
				default:
					// 低速な受信側。キュー満杯の接続は切断し、他の配送を停滞させない
					h.metrics.RecordSendDropped()
					h.removeClient(client)
					slog.Warn("slow consumer disconnected",
						slog.String("user_id", client.identity.UserID),
					)
				}
			}
			h.metrics.RecordBroadcast(delivered)

		case <-h.done:
			for client := range h.clients {
				h.removeClient(client)
				client.conn.Close()
			}
			return
		}
	}
}

// Shutdown はハブを停止し、すべての接続を閉じる。
// Runループの終了またはctxのキャンセルまでブロックする。
func (h *Hub) Shutdown(ctx context.Context) error {
	close(h.done)

	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS はWebSocketハンドシェイクを処理する。
// アップグレード前にトークンを検証し、失敗した接続はレジストリに一切入れず
// 401で拒否する（同一ハンドシェイク内での再試行はない）。
// 成功した接続は確認済みアイデンティティを束縛した上で登録される。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw := session.FromRequest(r)
	if raw == "" {
		h.metrics.RecordHandshakeRejected()
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	identity, err := h.verifier.Verify(raw)
	if err != nil {
		h.metrics.RecordHandshakeRejected()
		h.metrics.RecordAuthFailure(verifyFailureCause(err))
		slog.Warn("websocket handshake rejected",
			slog.String("error", err.Error()),
		)
		middleware.WriteAPIError(w, model.NewUnauthorizedError())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが既にエラーレスポンスを書き込んでいる
		slog.Warn("websocket upgrade failed",
			slog.String("error", err.Error()),
		)
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, h.queueSize),
	}

	select {
	case h.register <- client:
	case <-h.stopped:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// relay は受信メッセージをブロードキャストエンベロープに組み立てて配送キューに渡す。
// ペイロードの全フィールドを引き継いだ上で、usernameは送信者の確認済み
// メールアドレスで必ず上書きする。クライアント申告のusernameは属性付けに
// 決して使用しない。contentはサニタイズする。
func (h *Hub) relay(identity *model.Identity, payload json.RawMessage) {
	envelope := make(map[string]any)
	if len(payload) > 0 {
		// オブジェクトでないペイロードは無視して属性のみのメッセージとして扱う
		_ = json.Unmarshal(payload, &envelope)
	}

	envelope["username"] = identity.Email
	if content, ok := envelope["content"].(string); ok {
		envelope["content"] = h.sanitizer.Sanitize(content)
	}

	data, err := marshalEvent(EventChatMessage, envelope)
	if err != nil {
		slog.Error("failed to marshal broadcast envelope",
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.stopped:
	}
}

// sendWelcome は接続確立直後のwelcomeイベントを当該接続のみに積む。
// Runゴルーチンから呼ばれる。登録直後のためキューは必ず空いている。
func (h *Hub) sendWelcome(client *Client) {
	data, err := marshalEvent(EventWelcome, WelcomePayload{
		Message: fmt.Sprintf("Welcome %s!", client.identity.Email),
	})
	if err != nil {
		slog.Error("failed to marshal welcome event",
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case client.send <- data:
	default:
	}
}

// removeClient は接続をブロードキャストドメインから取り除く。
// Runゴルーチンから呼ばれる。以後この接続への配送は行われない。
func (h *Hub) removeClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.ConnectionClosed()
}

// verifyFailureCause はメトリクスのラベルに使う検証失敗の原因を返す。
func verifyFailureCause(err error) string {
	var invalidErr *token.InvalidTokenError
	if errors.As(err, &invalidErr) {
		return invalidErr.Cause
	}
	return "unknown"
}

// originChecker はハンドシェイクのOrigin検査関数を返す。
// allowedOriginが空の場合はすべてのOriginを許可する。
func originChecker(allowedOrigin string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowedOrigin == "" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowedOrigin
	}
}
