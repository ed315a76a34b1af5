package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"loopchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptorDisabledPassesThrough(t *testing.T) {
	t.Setenv("LOOPCHAT_ENCRYPTION_SECRET", "")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	out, err := enc.EncryptIfEnabled("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	back, err := enc.DecryptIfEnabled(out)
	require.NoError(t, err)
	assert.Equal(t, "plain", back)
}

func TestEncryptorRoundTrip(t *testing.T) {
	t.Setenv("LOOPCHAT_ENCRYPTION_SECRET", "a-long-enough-test-secret")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	ciphertext, err := enc.EncryptIfEnabled("secret message")
	require.NoError(t, err)
	assert.NotEqual(t, "secret message", ciphertext)

	plaintext, err := enc.DecryptIfEnabled(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret message", plaintext)
}

func TestEncryptorRejectsShortSecret(t *testing.T) {
	t.Setenv("LOOPCHAT_ENCRYPTION_SECRET", "too-short")

	_, err := NewEncryptor()
	assert.Error(t, err)
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	t.Setenv("LOOPCHAT_ENCRYPTION_SECRET", "a-long-enough-test-secret")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	_, err = enc.DecryptIfEnabled("bm90LXJlYWwtY2lwaGVydGV4dC1hdC1hbGw=")
	assert.Error(t, err)
}

func TestMessageContentEncryptedAtRest(t *testing.T) {
	t.Setenv("LOOPCHAT_ENCRYPTION_SECRET", "a-long-enough-test-secret")

	path := filepath.Join(t.TempDir(), "loopchat.db")
	db, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	key := models.ConversationKey{OwnerID: 7, TargetID: 42, ChatType: models.ChatTypeDirect}
	require.NoError(t, db.UpsertConversation(context.Background(), 7, models.ConversationPatch{
		TargetID:    42,
		ChatType:    models.ChatTypeDirect,
		LastContent: models.StringPtr("very private"),
		Messages: []models.Message{{
			ID: "m1", SenderID: 42, SendTime: 1000,
			Content: "very private", Status: models.MessageStatusSuccess,
		}},
	}))

	// The API round-trips plaintext.
	conv, err := db.GetConversation(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "very private", conv.LastContent)
	assert.Equal(t, "very private", conv.Messages[0].Content)

	// The raw rows do not contain it.
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()

	var stored string
	require.NoError(t, raw.QueryRow(`SELECT content FROM messages WHERE message_id = 'm1'`).Scan(&stored))
	assert.NotEqual(t, "very private", stored)
	assert.NotContains(t, stored, "very private")
}
