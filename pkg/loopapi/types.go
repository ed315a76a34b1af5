package loopapi

import (
	"context"
	"io"

	"loopchat/internal/models"
)

// Client is the REST side of the chat server: everything that is not
// carried over the websocket.
type Client interface {
	// GetServerTime returns the server clock in unix milliseconds.
	GetServerTime(ctx context.Context) (int64, error)

	// GetOfflineMessages returns the frames queued while the client was
	// offline, in server order.
	GetOfflineMessages(ctx context.Context) ([]models.Frame, error)

	// SubmitOfflineAcks confirms receipt of offline messages. The acks are
	// ack frames, one per direct message plus one per group.
	SubmitOfflineAcks(ctx context.Context, acks []models.Frame) error

	// RefreshToken exchanges a refresh token for a new access token.
	RefreshToken(ctx context.Context, refreshToken string) (string, error)

	// UploadBlob uploads media content and returns its public URL.
	UploadBlob(ctx context.Context, filename string, content io.Reader) (string, error)
}

type serverTimeData struct {
	Time int64 `json:"time"`
}

type submitAcksRequest struct {
	SeqIDList []models.Frame `json:"seq_id_list"`
}

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}
