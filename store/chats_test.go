package store

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Config{StorePath: filepath.Join(t.TempDir(), "test.db")}
	s, err := Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertTestChatWithMessages(t *testing.T, s *Store, chatID string, timestamps []time.Time) []string {
	t.Helper()
	var messageIDs []string
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		if err := tx.InsertChat(context.Background(), &Chat{
			ChatID:    chatID,
			Status:    ChatStatusActive,
			ChatType:  ChatTypeGroup,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}); err != nil {
			return err
		}
		for i, ts := range timestamps {
			messageID := chatID + "-msg-" + strconv.Itoa(i)
			messageIDs = append(messageIDs, messageID)
			if err := tx.InsertMessage(context.Background(), &Message{
				MessageID:   messageID,
				ChatID:      chatID,
				MimiID:      messageID + "-mimi",
				Timestamp:   ts,
				ContentType: "text/plain",
				Content:     []byte("hi"),
				Status:      MessageStatusDelivered,
				CreatedAt:   ts,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return messageIDs
}

// TestMarkChatAsReadTransitionsMessagesAndIsIdempotent grounds SPEC_FULL.md
// §8's idempotence law ("mark_as_read(c, t) is idempotent: a second call
// with t' <= t is a no-op") against original_source's mark_chat_as_read,
// which likewise reports whether the cursor actually advanced.
func TestMarkChatAsReadTransitionsMessagesAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	timestamps := []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)}
	messageIDs := insertTestChatWithMessages(t, s, "chat-1", timestamps)

	var (
		advanced bool
		refs     []ReadMessageRef
	)
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		advanced, refs, err = tx.MarkChatAsRead(context.Background(), "chat-1", messageIDs[1], timestamps[1])
		return err
	})
	require.NoError(t, err)
	require.True(t, advanced)
	require.Len(t, refs, 2, "the two messages at or before the mark point should transition")

	err = s.WithTx(context.Background(), func(tx *Tx) error {
		first, err := tx.GetMessage(context.Background(), messageIDs[0])
		require.NoError(t, err)
		require.Equal(t, MessageStatusRead, first.Status)
		third, err := tx.GetMessage(context.Background(), messageIDs[2])
		require.NoError(t, err)
		require.Equal(t, MessageStatusDelivered, third.Status, "a message after the mark point stays untouched")
		return nil
	})
	require.NoError(t, err)

	// Idempotence: a second call with an earlier-or-equal timestamp is a no-op.
	var secondAdvanced bool
	err = s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		secondAdvanced, _, err = tx.MarkChatAsRead(context.Background(), "chat-1", messageIDs[0], timestamps[0])
		return err
	})
	require.NoError(t, err)
	require.False(t, secondAdvanced)

	err = s.WithTx(context.Background(), func(tx *Tx) error {
		chat, err := tx.GetChat(context.Background(), "chat-1")
		require.NoError(t, err)
		require.NotNil(t, chat.LastReadAt)
		require.True(t, chat.LastReadAt.Equal(timestamps[1]))
		require.Equal(t, messageIDs[1], chat.LastReadMessageID)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkChatAsReadAdvancesFurtherOnLaterCall(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	timestamps := []time.Time{base, base.Add(time.Minute)}
	messageIDs := insertTestChatWithMessages(t, s, "chat-2", timestamps)

	err := s.WithTx(context.Background(), func(tx *Tx) error {
		_, _, err := tx.MarkChatAsRead(context.Background(), "chat-2", messageIDs[0], timestamps[0])
		return err
	})
	require.NoError(t, err)

	var (
		advanced bool
		refs     []ReadMessageRef
	)
	err = s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		advanced, refs, err = tx.MarkChatAsRead(context.Background(), "chat-2", messageIDs[1], timestamps[1])
		return err
	})
	require.NoError(t, err)
	require.True(t, advanced)
	require.Len(t, refs, 1, "only the newly-covered message should transition on the second call")
}
