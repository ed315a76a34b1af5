package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"loopchat/internal/models"
)

// UpsertConversation merges a partial conversation update into the stored
// record, creating it if absent. Scalar fields are overwritten only when set
// in the patch. Incoming messages are merged into the embedded sequence:
// a message with a known id replaces that copy (latest apply wins), a
// message whose (sendTime, senderId) pair matches an existing entry under a
// different id is dropped as a server-side duplicate, and everything else is
// inserted. The whole operation is one transaction, so a re-read immediately
// after always observes the write.
func (d *Database) UpsertConversation(ctx context.Context, ownerID uint, patch models.ConversationPatch) error {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (owner_id, target_id, chat_type)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id, target_id, chat_type) DO NOTHING
	`, ownerID, patch.TargetID, patch.ChatType)
	if err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}

	if err := d.applyScalarPatch(ctx, tx, ownerID, patch); err != nil {
		return err
	}

	var maxSendTime int64
	for _, msg := range patch.Messages {
		inserted, err := d.mergeMessage(ctx, tx, ownerID, patch, msg)
		if err != nil {
			return err
		}
		if inserted && msg.SendTime > maxSendTime {
			maxSendTime = msg.SendTime
		}
	}

	if maxSendTime > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET last_send_time = MAX(last_send_time, ?)
			WHERE owner_id = ? AND target_id = ? AND chat_type = ?
		`, maxSendTime, ownerID, patch.TargetID, patch.ChatType)
		if err != nil {
			return fmt.Errorf("failed to update last send time: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func (d *Database) applyScalarPatch(ctx context.Context, tx *sql.Tx, ownerID uint, patch models.ConversationPatch) error {
	var sets []string
	var args []interface{}

	if patch.ShowName != nil {
		sets = append(sets, "show_name = ?")
		args = append(args, *patch.ShowName)
	}
	if patch.HeadImage != nil {
		sets = append(sets, "head_image = ?")
		args = append(args, *patch.HeadImage)
	}
	if patch.LastContent != nil {
		encrypted, err := d.encryptor.EncryptIfEnabled(*patch.LastContent)
		if err != nil {
			return fmt.Errorf("failed to encrypt last content: %w", err)
		}
		sets = append(sets, "last_content = ?")
		args = append(args, encrypted)
	}
	if patch.UnreadCount != nil {
		sets = append(sets, "unread_count = ?")
		args = append(args, *patch.UnreadCount)
	} else if patch.IncrementUnread {
		sets = append(sets, "unread_count = unread_count + 1")
	}
	if patch.IsPinned != nil {
		sets = append(sets, "is_pinned = ?")
		args = append(args, *patch.IsPinned)
	}

	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE conversations SET %s
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, strings.Join(sets, ", "))
	args = append(args, ownerID, patch.TargetID, patch.ChatType)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to patch conversation: %w", err)
	}
	return nil
}

func (d *Database) mergeMessage(ctx context.Context, tx *sql.Tx, ownerID uint, patch models.ConversationPatch, msg models.Message) (bool, error) {
	// Server-originated duplicates can arrive under a fresh id; the
	// (sendTime, senderId) pair identifies them. First occurrence wins.
	var dupes int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
		  AND send_time = ? AND sender_id = ? AND message_id != ?
	`, ownerID, patch.TargetID, patch.ChatType, msg.SendTime, msg.SenderID, msg.ID).Scan(&dupes)
	if err != nil {
		return false, fmt.Errorf("failed to check message duplicates: %w", err)
	}
	if dupes > 0 {
		return false, nil
	}

	content, err := d.encryptor.EncryptIfEnabled(msg.Content)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt message content: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (
			owner_id, target_id, chat_type, message_id,
			sender_id, sender_name, sender_avatar, content, msg_type, send_time, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, target_id, chat_type, message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			sender_avatar = excluded.sender_avatar,
			content = excluded.content,
			msg_type = excluded.msg_type,
			send_time = excluded.send_time,
			status = excluded.status
	`, ownerID, patch.TargetID, patch.ChatType, msg.ID,
		msg.SenderID, msg.SenderName, msg.SenderAvatar, content, msg.Type, msg.SendTime, msg.Status)
	if err != nil {
		return false, fmt.Errorf("failed to merge message: %w", err)
	}
	return true, nil
}

// GetConversation returns the full record including its ordered message
// sequence, or nil when the conversation does not exist.
func (d *Database) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	conv := &models.Conversation{
		OwnerID:  key.OwnerID,
		TargetID: key.TargetID,
		ChatType: key.ChatType,
	}

	var lastContent string
	err := d.db.QueryRowContext(ctx, `
		SELECT show_name, head_image, last_content, last_send_time, unread_count, is_pinned
		FROM conversations
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType).Scan(
		&conv.ShowName, &conv.HeadImage, &lastContent,
		&conv.LastSendTime, &conv.UnreadCount, &conv.IsPinned,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.LastContent, err = d.encryptor.DecryptIfEnabled(lastContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt last content: %w", err)
	}

	conv.Messages, err = d.loadMessages(ctx, key)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (d *Database) loadMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT message_id, sender_id, sender_name, sender_avatar, content, msg_type, send_time, status
		FROM messages
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
		ORDER BY send_time ASC, rowid ASC
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var content string
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatar,
			&content, &msg.Type, &msg.SendTime, &msg.Status); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Content, err = d.encryptor.DecryptIfEnabled(content)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt message content: %w", err)
		}
		msg.TargetID = key.TargetID
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListConversations returns every conversation of the owner, pinned entries
// first, then most recent activity first. Message sequences are not loaded.
func (d *Database) ListConversations(ctx context.Context, ownerID uint) ([]models.Conversation, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT target_id, chat_type, show_name, head_image, last_content,
		       last_send_time, unread_count, is_pinned
		FROM conversations
		WHERE owner_id = ?
		ORDER BY is_pinned DESC, last_send_time DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		conv := models.Conversation{OwnerID: ownerID}
		var lastContent string
		if err := rows.Scan(&conv.TargetID, &conv.ChatType, &conv.ShowName, &conv.HeadImage,
			&lastContent, &conv.LastSendTime, &conv.UnreadCount, &conv.IsPinned); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conv.LastContent, err = d.encryptor.DecryptIfEnabled(lastContent)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt last content: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// UpdateMessageStatus sets the delivery status of a single stored message.
func (d *Database) UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET status = ?
		WHERE owner_id = ? AND target_id = ? AND chat_type = ? AND message_id = ?
	`, status, key.OwnerID, key.TargetID, key.ChatType, messageID)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// ResetUnread zeroes the unread counter, typically when the conversation
// becomes the active one.
func (d *Database) ResetUnread(ctx context.Context, key models.ConversationKey) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}

// ClearMessages removes the message history but keeps the conversation.
func (d *Database) ClearMessages(ctx context.Context, key models.ConversationKey) error {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_content = '', unread_count = 0
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

// DeleteConversation removes the record and its messages entirely. Used only
// for explicit user actions (leave, disband, unfriend).
func (d *Database) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	tx, err := d.beginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM conversations
		WHERE owner_id = ? AND target_id = ? AND chat_type = ?
	`, key.OwnerID, key.TargetID, key.ChatType)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}
