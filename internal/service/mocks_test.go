package service

import (
	"context"
	"io"
	"sync"

	"loopchat/internal/models"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/mock"
)

// fakeAPI scripts the REST collaborator.
type fakeAPI struct {
	mu            sync.Mutex
	serverTime    int64
	serverTimeErr error
	offline       []models.Frame
	offlineErr    error
	submitted     [][]models.Frame
	submitErr     error
}

func (f *fakeAPI) GetServerTime(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serverTime, f.serverTimeErr
}

func (f *fakeAPI) GetOfflineMessages(context.Context) ([]models.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline, f.offlineErr
}

func (f *fakeAPI) SubmitOfflineAcks(_ context.Context, acks []models.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, acks)
	return nil
}

func (f *fakeAPI) RefreshToken(context.Context, string) (string, error) {
	return "", nil
}

func (f *fakeAPI) UploadBlob(context.Context, string, io.Reader) (string, error) {
	return "", nil
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) UpsertConversation(ctx context.Context, ownerID uint, patch models.ConversationPatch) error {
	args := m.Called(ctx, ownerID, patch)
	return args.Error(0)
}

func (m *mockStore) GetConversation(ctx context.Context, key models.ConversationKey) (*models.Conversation, error) {
	args := m.Called(ctx, key)
	if conv := args.Get(0); conv != nil {
		return conv.(*models.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) ListConversations(ctx context.Context, ownerID uint) ([]models.Conversation, error) {
	args := m.Called(ctx, ownerID)
	if convs := args.Get(0); convs != nil {
		return convs.([]models.Conversation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) UpdateMessageStatus(ctx context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) error {
	args := m.Called(ctx, key, messageID, status)
	return args.Error(0)
}

func (m *mockStore) ResetUnread(ctx context.Context, key models.ConversationKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockStore) ClearMessages(ctx context.Context, key models.ConversationKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockStore) DeleteConversation(ctx context.Context, key models.ConversationKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

// recordingSender captures every frame written to the transport.
type recordingSender struct {
	mu     sync.Mutex
	frames []models.Frame
	err    error
}

func (s *recordingSender) Send(_ context.Context, frame models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSender) sent() []models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSender) sentByCmd(cmd models.Cmd) []models.Frame {
	var out []models.Frame
	for _, f := range s.sent() {
		if f.Cmd == cmd {
			out = append(out, f)
		}
	}
	return out
}

// memoryStore is a minimal in-memory Store for flows where the exact query
// sequence does not matter.
type memoryStore struct {
	mu            sync.Mutex
	conversations map[models.ConversationKey]*models.Conversation
	statusUpdates map[string]models.MessageStatus
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: make(map[models.ConversationKey]*models.Conversation),
		statusUpdates: make(map[string]models.MessageStatus),
	}
}

func (s *memoryStore) UpsertConversation(_ context.Context, ownerID uint, patch models.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.ConversationKey{OwnerID: ownerID, TargetID: patch.TargetID, ChatType: patch.ChatType}
	conv, ok := s.conversations[key]
	if !ok {
		conv = &models.Conversation{OwnerID: ownerID, TargetID: patch.TargetID, ChatType: patch.ChatType}
		s.conversations[key] = conv
	}
	if patch.ShowName != nil {
		conv.ShowName = *patch.ShowName
	}
	if patch.LastContent != nil {
		conv.LastContent = *patch.LastContent
	}
	if patch.IncrementUnread {
		conv.UnreadCount++
	}
	if patch.IsPinned != nil {
		conv.IsPinned = *patch.IsPinned
	}
	for _, msg := range patch.Messages {
		replaced := false
		for i := range conv.Messages {
			if conv.Messages[i].ID == msg.ID {
				conv.Messages[i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			conv.Messages = append(conv.Messages, msg)
		}
		if msg.SendTime > conv.LastSendTime {
			conv.LastSendTime = msg.SendTime
		}
	}
	return nil
}

func (s *memoryStore) GetConversation(_ context.Context, key models.ConversationKey) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[key]
	if !ok {
		return nil, nil
	}
	clone := *conv
	clone.Messages = append([]models.Message(nil), conv.Messages...)
	return &clone, nil
}

func (s *memoryStore) ListConversations(_ context.Context, ownerID uint) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			out = append(out, *conv)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateMessageStatus(_ context.Context, key models.ConversationKey, messageID string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusUpdates[messageID] = status
	if conv, ok := s.conversations[key]; ok {
		for i := range conv.Messages {
			if conv.Messages[i].ID == messageID {
				conv.Messages[i].Status = status
			}
		}
	}
	return nil
}

func (s *memoryStore) ResetUnread(_ context.Context, key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[key]; ok {
		conv.UnreadCount = 0
	}
	return nil
}

func (s *memoryStore) ClearMessages(_ context.Context, key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[key]; ok {
		conv.Messages = nil
		conv.LastContent = ""
		conv.UnreadCount = 0
	}
	return nil
}

func (s *memoryStore) DeleteConversation(_ context.Context, key models.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, key)
	return nil
}

func (s *memoryStore) statusOf(messageID string) (models.MessageStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statusUpdates[messageID]
	return status, ok
}

func (s *memoryStore) get(key models.ConversationKey) *models.Conversation {
	conv, _ := s.GetConversation(context.Background(), key)
	return conv
}

// fakePeerConnection scripts the signaling surface of a call.
type fakePeerConnection struct {
	mu sync.Mutex

	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	closed      bool
	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	offerErr  error
	answerErr error
	remoteErr error
}

func (f *fakePeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if f.answerErr != nil {
		return webrtc.SessionDescription{}, f.answerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDesc = &desc
	return nil
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakePeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICEState = fn
}

func (f *fakePeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeerConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakePeerConnection) appliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakePeerConnection) fireState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePeerConnection) fireICEState(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICEState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeMediaSource hands out empty media or fails on demand.
type fakeMediaSource struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (f *fakeMediaSource) Acquire(_ context.Context, _ models.CallMediaType) (*LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return &LocalMedia{
		Release: func() {
			f.mu.Lock()
			f.released++
			f.mu.Unlock()
		},
	}, nil
}

func (f *fakeMediaSource) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}
