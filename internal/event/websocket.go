package event

import (
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
)

// WebSocket lifecycle event types.
const (
	SocketConnect    = "CONNECT"
	SocketMessage    = "MESSAGE"
	SocketDisconnect = "DISCONNECT"
)

// SocketInfo carries the per-connection facts the envelope needs.
type SocketInfo struct {
	ConnectionID string
	SourceIP     string
	UserAgent    string
	ConnectedAt  time.Time
}

// BuildSocketEvent constructs the WebSocket proxy envelope for one
// lifecycle event or message frame. body is empty for $connect and
// $disconnect.
func BuildSocketEvent(eventType, routeKey, stage string, info SocketInfo, body string) events.APIGatewayWebsocketProxyRequest {
	now := time.Now().UTC()
	return events.APIGatewayWebsocketProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			AccountID:         AccountID,
			APIID:             APIID,
			Stage:             stage,
			RequestID:         uuid.NewString(),
			RouteKey:          routeKey,
			EventType:         eventType,
			ConnectionID:      info.ConnectionID,
			ConnectedAt:       info.ConnectedAt.UnixMilli(),
			RequestTime:       now.Format("02/Jan/2006:15:04:05 -0700"),
			RequestTimeEpoch:  now.UnixMilli(),
			MessageDirection:  "IN",
			ExtendedRequestID: uuid.NewString(),
			Identity: events.APIGatewayRequestIdentity{
				SourceIP:  info.SourceIP,
				UserAgent: info.UserAgent,
			},
		},
		IsBase64Encoded: false,
	}
}

// SocketResponseStatus extracts the statusCode from a $connect
// handler's result. A missing or malformed statusCode is a
// TranslationError, and any non-2xx status rejects the connection.
func SocketResponseStatus(raw any) (int, error) {
	// An absent result (undefined return) accepts the connection.
	if raw == nil {
		return 200, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return 0, &TranslationError{Reason: "connect handler returned a non-object result"}
	}
	return intField(obj, "statusCode")
}
