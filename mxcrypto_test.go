package mxcrypto

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

const (
	aliceUser = "@alice:example.org"
	bobUser   = "@bob:example.org"
	testRoom  = "!room:example.org"
)

func newTestCoordinator(t *testing.T, server *homeserver.Fake, userID, deviceID string, cryptoStore store.CryptoStore) *Coordinator {
	t.Helper()
	options := NewOptions(userID, server.ForDevice(userID, deviceID))
	options.DeviceID = deviceID
	options.Store = cryptoStore
	options.MaxOneTimeKeys = 10
	c, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startTestCoordinator(t *testing.T, server *homeserver.Fake, userID, deviceID string) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t, server, userID, deviceID, store.NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.StartAndWait(ctx, true))
	return c
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func roomEvent(t *testing.T, content *event.EncryptedContent, eventID, sender string) *event.Event {
	t.Helper()
	return &event.Event{
		Type:           event.TypeEncrypted,
		EventID:        eventID,
		RoomID:         testRoom,
		Sender:         sender,
		OriginServerTS: 1700000000000,
		Content:        mustRaw(t, content),
	}
}

// deliverInbox drains a coordinator's to-device inbox into it and returns how
// many events were handed over.
func deliverInbox(server *homeserver.Fake, c *Coordinator) int {
	events := server.TakeToDevice(c.UserID(), c.DeviceID())
	for i := range events {
		evt := events[i]
		c.ProcessToDeviceEvent(&evt)
	}
	return len(events)
}

// deliverAtLeast polls the inbox until at least want events were delivered or
// the deadline passes.
func deliverAtLeast(t *testing.T, server *homeserver.Fake, c *Coordinator, want int) {
	t.Helper()
	delivered := 0
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		delivered += deliverInbox(server, c)
		if delivered >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("delivered %d to-device events, want %d", delivered, want)
}

// waitToDevice polls the fake server until a device has at least want queued
// events, draining them.
func waitToDevice(t *testing.T, server *homeserver.Fake, userID, deviceID string, want int) []event.ToDeviceEvent {
	t.Helper()
	var events []event.ToDeviceEvent
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events = append(events, server.TakeToDevice(userID, deviceID)...)
		if len(events) >= want {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d to-device events for %s/%s, want %d", len(events), userID, deviceID, want)
	return nil
}

func requireDecryptionCode(t *testing.T, err error, code string) {
	t.Helper()
	var decryptionErr *algorithm.DecryptionError
	require.ErrorAs(t, err, &decryptionErr)
	require.Equal(t, code, decryptionErr.Code)
}

func TestColdStartUploadsIdentityAndKeys(t *testing.T) {
	server := homeserver.NewFake()
	cryptoStore := store.NewMemoryStore()
	options := NewOptions(aliceUser, server.ForDevice(aliceUser, ""))
	options.Store = cryptoStore
	options.MaxOneTimeKeys = 24

	c, err := New(options)
	require.NoError(t, err)
	defer c.Close()

	require.NotEmpty(t, c.DeviceID(), "device ID should be generated")
	stored, err := cryptoStore.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, c.DeviceID(), stored, "generated device ID should be persisted")
	assert.NotEmpty(t, c.IdentityKey())
	assert.NotEmpty(t, c.FingerprintKey())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.StartAndWait(ctx, true))

	// One device-keys upload plus three one-time key batches (5+5+2) to reach
	// half the pool bound of 24.
	assert.Equal(t, 4, server.UploadCalls)
	assert.Equal(t, 12, server.OneTimeKeyCount(aliceUser, c.DeviceID()))
}

func TestIdentityResumesAcrossRestart(t *testing.T) {
	server := homeserver.NewFake()
	cryptoStore := store.NewMemoryStore()

	first := newTestCoordinator(t, server, aliceUser, "", cryptoStore)
	deviceID := first.DeviceID()
	identityKey := first.IdentityKey()
	fingerprintKey := first.FingerprintKey()
	require.NoError(t, first.Close())

	second := newTestCoordinator(t, server, aliceUser, "", cryptoStore)
	assert.Equal(t, deviceID, second.DeviceID())
	assert.Equal(t, identityKey, second.IdentityKey())
	assert.Equal(t, fingerprintKey, second.FingerprintKey())
}

func TestConcurrentStartCoalesces(t *testing.T) {
	server := homeserver.NewFake()
	c := newTestCoordinator(t, server, aliceUser, "ALICEDEV", store.NewMemoryStore())

	results := make(chan error, 2)
	c.Start(true, func(err error) { results <- err })
	c.Start(true, func(err error) { results <- err })

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("start callback never fired")
		}
	}
	// One device-keys upload and one batch of 5 one-time keys: the second
	// Start must not repeat the sequence.
	assert.Equal(t, 2, server.UploadCalls)
	assert.Equal(t, 5, server.OneTimeKeyCount(aliceUser, "ALICEDEV"))
}

func TestStartupRetriesAfterFailure(t *testing.T) {
	server := homeserver.NewFake()
	server.FailNext("upload", errors.New("transient server error"))
	c := newTestCoordinator(t, server, aliceUser, "ALICEDEV", store.NewMemoryStore())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.StartAndWait(ctx, true))

	assert.GreaterOrEqual(t, server.UploadCalls, 3, "failed upload should be retried")
	assert.Equal(t, 5, server.OneTimeKeyCount(aliceUser, "ALICEDEV"))
}

func TestConnectivityCheckGatesStartup(t *testing.T) {
	server := homeserver.NewFake()
	var online atomic.Bool
	options := NewOptions(aliceUser, server.ForDevice(aliceUser, "ALICEDEV"))
	options.DeviceID = "ALICEDEV"
	options.Store = store.NewMemoryStore()
	options.MaxOneTimeKeys = 10
	options.ConnectivityCheck = func() bool { return online.Load() }

	c, err := New(options)
	require.NoError(t, err)
	defer c.Close()

	result := make(chan error, 1)
	c.Start(true, func(err error) { result <- err })

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, server.UploadCalls, "no network calls while offline")

	online.Store(true)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("startup never completed after connectivity returned")
	}
	assert.GreaterOrEqual(t, server.UploadCalls, 2)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	bob := startTestCoordinator(t, server, bobUser, "BOBDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser, bobUser}, false))
	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"msgtype":"m.text","body":"hello"}`), []string{aliceUser, bobUser})
	require.NoError(t, err)

	assert.Equal(t, event.AlgorithmMegolmV1, encrypted.Algorithm)
	assert.Equal(t, alice.IdentityKey(), encrypted.SenderKey)
	assert.Equal(t, "ALICEDEV", encrypted.DeviceID)
	assert.NotEmpty(t, encrypted.SessionID)
	assert.Equal(t, 1, server.ClaimCalls, "one claim to establish the olm session")

	deliverAtLeast(t, server, bob, 1)

	evt := roomEvent(t, encrypted, "$one", aliceUser)
	result, err := bob.DecryptEvent(evt, "timeline")
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", result.ClearType())
	require.JSONEq(t, `{"msgtype":"m.text","body":"hello"}`, string(result.ClearContent()))
	assert.Equal(t, alice.IdentityKey(), result.SenderCurve25519Key)
	assert.Equal(t, alice.FingerprintKey(), result.ClaimedEd25519Key)
	assert.Empty(t, result.ForwardingCurve25519KeyChain)

	// The sender holds an inbound mirror of its own session.
	selfResult, err := alice.DecryptEvent(evt, "timeline")
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", selfResult.ClearType())

	// A second message reuses the shared session: no new claims, no new key
	// traffic.
	encrypted2, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"msgtype":"m.text","body":"again"}`), []string{aliceUser, bobUser})
	require.NoError(t, err)
	assert.Equal(t, encrypted.SessionID, encrypted2.SessionID)
	assert.Equal(t, 1, server.ClaimCalls)
	assert.Empty(t, server.TakeToDevice(bobUser, "BOBDEV"))

	result2, err := bob.DecryptEvent(roomEvent(t, encrypted2, "$two", aliceUser), "timeline")
	require.NoError(t, err)
	require.JSONEq(t, `{"msgtype":"m.text","body":"again"}`, string(result2.ClearContent()))
}

func TestDecryptUnknownSessionThenKeyArrives(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	bob := startTestCoordinator(t, server, bobUser, "BOBDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser, bobUser}, false))
	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"msgtype":"m.text","body":"early"}`), []string{aliceUser, bobUser})
	require.NoError(t, err)

	evt := roomEvent(t, encrypted, "$early", aliceUser)

	// The key share is still sitting in the inbox.
	_, err = bob.DecryptEvent(evt, "timeline")
	requireDecryptionCode(t, err, algorithm.CodeUnknownInboundSession)

	deliverAtLeast(t, server, bob, 1)
	result, err := bob.DecryptEvent(evt, "timeline")
	require.NoError(t, err)
	require.JSONEq(t, `{"msgtype":"m.text","body":"early"}`, string(result.ClearContent()))
}

func TestReplayDetection(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, false))
	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"once"}`), []string{aliceUser})
	require.NoError(t, err)

	original := roomEvent(t, encrypted, "$one", aliceUser)
	_, err = alice.DecryptEvent(original, "timeline")
	require.NoError(t, err)

	// The same event decrypts again, a copy under a new event ID does not.
	_, err = alice.DecryptEvent(original, "timeline")
	require.NoError(t, err)
	replayed := roomEvent(t, encrypted, "$copy", aliceUser)
	_, err = alice.DecryptEvent(replayed, "timeline")
	requireDecryptionCode(t, err, algorithm.CodeReplay)

	// Replay history is scoped per timeline.
	_, err = alice.DecryptEvent(replayed, "other-timeline")
	require.NoError(t, err)

	// An empty timeline ID disables the check entirely.
	_, err = alice.DecryptEvent(replayed, "")
	require.NoError(t, err)

	alice.ResetReplayAttackCheckInTimeline("timeline")
	_, err = alice.DecryptEvent(replayed, "timeline")
	require.NoError(t, err)
	_, err = alice.DecryptEvent(original, "timeline")
	requireDecryptionCode(t, err, algorithm.CodeReplay)
}

func TestDiscardOutboundSession(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, false))
	first, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"before"}`), []string{aliceUser})
	require.NoError(t, err)

	require.NoError(t, alice.DiscardOutboundSession(testRoom))
	second, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"after"}`), []string{aliceUser})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// Both sessions stay decryptable locally.
	_, err = alice.DecryptEvent(roomEvent(t, first, "$one", aliceUser), "timeline")
	require.NoError(t, err)
	_, err = alice.DecryptEvent(roomEvent(t, second, "$two", aliceUser), "timeline")
	require.NoError(t, err)
}

func TestRotationPolicyFromRoomEvent(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	ctx := context.Background()

	alice.HandleRoomEncryptionEvent(testRoom, json.RawMessage(
		`{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_msgs":1}`))
	// DiscardOutboundSession runs on the same worker, so returning means the
	// encryption event has been folded in.
	require.NoError(t, alice.DiscardOutboundSession(testRoom))

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, false))
	first, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"one"}`), []string{aliceUser})
	require.NoError(t, err)
	second, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"two"}`), []string{aliceUser})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID, "session should rotate after one message")
}

func TestSetEncryptionInRoomWriteOnce(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	ctx := context.Background()

	encryptedBefore, err := alice.IsRoomEncrypted(testRoom)
	require.NoError(t, err)
	assert.False(t, encryptedBefore)

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, true))
	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, true),
		"repeating the same algorithm is fine")
	err = alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmOlmV1, []string{aliceUser}, true)
	require.Error(t, err, "changing the room algorithm must fail")

	err = alice.SetEncryptionInRoom(ctx, testRoom, "m.bogus.v9", []string{aliceUser}, true)
	require.Error(t, err)

	encryptedAfter, err := alice.IsRoomEncrypted(testRoom)
	require.NoError(t, err)
	assert.True(t, encryptedAfter)
}

func TestCheckUnknownDevices(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	_ = startTestCoordinator(t, server, bobUser, "BOBDEV")
	ctx := context.Background()

	err := alice.CheckUnknownDevices(ctx, []string{bobUser})
	var unknownErr *algorithm.UnknownDevicesError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, map[string][]string{bobUser: {"BOBDEV"}}, unknownErr.Devices)

	require.NoError(t, alice.SetDevicesKnown(bobUser, []string{"BOBDEV"}))
	require.NoError(t, alice.CheckUnknownDevices(ctx, []string{bobUser}))

	info, err := alice.GetDeviceInfo(bobUser, "BOBDEV")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, device.Unverified, info.Verification)
}

func TestBlockedDeviceExcludedFromSharing(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	bob := startTestCoordinator(t, server, bobUser, "BOBDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser, bobUser}, false))

	require.Error(t, alice.SetDeviceVerification(bobUser, "NOSUCHDEV", device.Blocked))
	require.NoError(t, alice.SetDeviceVerification(bobUser, "BOBDEV", device.Blocked))

	byKey, err := alice.DeviceByIdentityKey(bob.IdentityKey())
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, device.Blocked, byKey.Verification)

	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"secret"}`), []string{aliceUser, bobUser})
	require.NoError(t, err)

	assert.Empty(t, server.TakeToDevice(bobUser, "BOBDEV"), "blocked device must not receive the session key")
	_, err = bob.DecryptEvent(roomEvent(t, encrypted, "$one", aliceUser), "timeline")
	requireDecryptionCode(t, err, algorithm.CodeUnknownInboundSession)
}

func TestExportImportRoomKeys(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")
	bob := startTestCoordinator(t, server, bobUser, "BOBDEV")
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser, bobUser}, false))
	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"portable"}`), []string{aliceUser, bobUser})
	require.NoError(t, err)
	deliverAtLeast(t, server, bob, 1)
	evt := roomEvent(t, encrypted, "$one", aliceUser)
	_, err = bob.DecryptEvent(evt, "timeline")
	require.NoError(t, err)

	blob, err := bob.ExportRoomKeys("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	charlie := newTestCoordinator(t, server, bobUser, "CHARLIEDEV", store.NewMemoryStore())

	_, _, err = charlie.ImportRoomKeys(blob, "wrong password", false, nil)
	require.ErrorIs(t, err, olm.ErrBadExportBlob)

	var mu sync.Mutex
	var progress [][2]int
	imported, total, err := charlie.ImportRoomKeys(blob, "hunter2", false, func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, total)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		final := len(progress) > 0 && progress[len(progress)-1] == [2]int{1, 1}
		mu.Unlock()
		if final {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("progress callback never reported completion")
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := charlie.DecryptEvent(evt, "timeline")
	require.NoError(t, err)
	require.JSONEq(t, `{"body":"portable"}`, string(result.ClearContent()))

	// Re-importing into a device already holding the session at the same
	// index installs nothing.
	imported, total, err = bob.ImportRoomKeys(blob, "hunter2", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, imported)
	assert.Equal(t, 1, total)
}

type recordingListener struct {
	requests      chan *event.IncomingRoomKeyRequest
	cancellations chan *event.IncomingRoomKeyRequest
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		requests:      make(chan *event.IncomingRoomKeyRequest, 8),
		cancellations: make(chan *event.IncomingRoomKeyRequest, 8),
	}
}

func (l *recordingListener) OnRoomKeyRequest(req *event.IncomingRoomKeyRequest) {
	l.requests <- req
}

func (l *recordingListener) OnRoomKeyRequestCancellation(req *event.IncomingRoomKeyRequest) {
	l.cancellations <- req
}

func waitNotification(t *testing.T, ch chan *event.IncomingRoomKeyRequest) *event.IncomingRoomKeyRequest {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no key request notification")
		return nil
	}
}

// trackSecondDevice makes owner re-download the local user's device list so a
// newly registered device becomes known.
func trackSecondDevice(t *testing.T, owner *Coordinator, deviceID string) {
	t.Helper()
	owner.OnSyncCompleted(&SyncChanges{DeviceListsChanged: []string{owner.UserID()}})
	devices, err := owner.GetUserDevices(context.Background(), owner.UserID())
	require.NoError(t, err)
	require.Contains(t, devices, deviceID)
}

func TestKeyRequestShareFlow(t *testing.T) {
	server := homeserver.NewFake()
	first := startTestCoordinator(t, server, aliceUser, "DEV1")
	ctx := context.Background()

	// The message is sent while DEV2 does not exist yet, so no key reaches it.
	require.NoError(t, first.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, false))
	encrypted, err := first.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"history"}`), []string{aliceUser})
	require.NoError(t, err)
	evt := roomEvent(t, encrypted, "$old", aliceUser)

	second := startTestCoordinator(t, server, aliceUser, "DEV2")
	_, err = second.DecryptEvent(evt, "timeline")
	requireDecryptionCode(t, err, algorithm.CodeUnknownInboundSession)

	// The failed decryption queued an outgoing key request to our own devices.
	requestEvents := waitToDevice(t, server, aliceUser, "DEV1", 1)
	require.Equal(t, event.TypeRoomKeyRequest, requestEvents[0].Type)
	var request event.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(requestEvents[0].Content, &request))
	require.Equal(t, event.ActionShareRequest, request.Action)
	require.Equal(t, "DEV2", request.RequestingDeviceID)
	require.NotNil(t, request.Body)
	assert.Equal(t, encrypted.SessionID, request.Body.SessionID)
	assert.Equal(t, first.IdentityKey(), request.Body.SenderKey)

	trackSecondDevice(t, first, "DEV2")
	listener := newRecordingListener()
	first.AddKeyRequestListener(listener)

	// DEV2's own copy of the broadcast request is irrelevant here.
	server.TakeToDevice(aliceUser, "DEV2")

	first.ProcessToDeviceEvent(&requestEvents[0])
	first.OnSyncCompleted(&SyncChanges{})

	pendingReq := waitNotification(t, listener.requests)
	assert.Equal(t, request.RequestID, pendingReq.RequestID)
	assert.Equal(t, "DEV2", pendingReq.DeviceID)

	pending, err := first.PendingKeyRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, first.ShareKeyRequest(ctx, pendingReq))
	pending, err = first.PendingKeyRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)

	deliverAtLeast(t, server, second, 1)
	result, err := second.DecryptEvent(evt, "timeline")
	require.NoError(t, err)
	require.JSONEq(t, `{"body":"history"}`, string(result.ClearContent()))
	assert.Equal(t, first.FingerprintKey(), result.ClaimedEd25519Key)
	assert.Equal(t, []string{first.IdentityKey()}, result.ForwardingCurve25519KeyChain)

	// Importing the forwarded key withdraws the outstanding request.
	cancelEvents := waitToDevice(t, server, aliceUser, "DEV1", 1)
	var cancellation event.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(cancelEvents[0].Content, &cancellation))
	assert.Equal(t, event.ActionShareCancellation, cancellation.Action)
	assert.Equal(t, request.RequestID, cancellation.RequestID)
}

func TestKeyRequestDecisions(t *testing.T) {
	server := homeserver.NewFake()
	first := startTestCoordinator(t, server, aliceUser, "DEV1")
	second := startTestCoordinator(t, server, aliceUser, "DEV2")
	ctx := context.Background()

	require.NoError(t, first.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, false))
	encrypted, err := first.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"shared"}`), []string{aliceUser})
	require.NoError(t, err)
	trackSecondDevice(t, first, "DEV2")

	listener := newRecordingListener()
	first.AddKeyRequestListener(listener)

	body := &event.RoomKeyRequestBody{
		Algorithm: event.AlgorithmMegolmV1,
		RoomID:    testRoom,
		SenderKey: first.IdentityKey(),
		SessionID: encrypted.SessionID,
	}
	requestEvent := func(sender, requestID, action string) *event.ToDeviceEvent {
		content := event.RoomKeyRequestContent{
			Action:             action,
			RequestingDeviceID: "DEV2",
			RequestID:          requestID,
		}
		if action == event.ActionShareRequest {
			content.Body = body
		}
		return &event.ToDeviceEvent{
			Type:    event.TypeRoomKeyRequest,
			Sender:  sender,
			Content: mustRaw(t, content),
		}
	}

	// A cross-user request is dropped without notification; the legit one that
	// follows in the same drain pends.
	first.ProcessToDeviceEvent(requestEvent("@eve:example.org", "eve-req", event.ActionShareRequest))
	first.ProcessToDeviceEvent(requestEvent(aliceUser, "req-ignore", event.ActionShareRequest))
	first.OnSyncCompleted(&SyncChanges{})

	pendingReq := waitNotification(t, listener.requests)
	require.Equal(t, "req-ignore", pendingReq.RequestID)
	pending, err := first.PendingKeyRequests()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, first.IgnoreKeyRequest(pendingReq))
	pending, err = first.PendingKeyRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A withdrawn request notifies the cancellation callback.
	first.ProcessToDeviceEvent(requestEvent(aliceUser, "req-cancel", event.ActionShareRequest))
	first.OnSyncCompleted(&SyncChanges{})
	_ = waitNotification(t, listener.requests)

	first.ProcessToDeviceEvent(requestEvent(aliceUser, "req-cancel", event.ActionShareCancellation))
	first.OnSyncCompleted(&SyncChanges{})
	cancelled := waitNotification(t, listener.cancellations)
	assert.Equal(t, "req-cancel", cancelled.RequestID)
	pending, err = first.PendingKeyRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A verified requester is served without asking.
	require.NoError(t, first.SetDeviceVerification(aliceUser, "DEV2", device.Verified))
	server.TakeToDevice(aliceUser, "DEV2")
	first.ProcessToDeviceEvent(requestEvent(aliceUser, "req-verified", event.ActionShareRequest))
	first.OnSyncCompleted(&SyncChanges{})

	forwarded := waitToDevice(t, server, aliceUser, "DEV2", 1)
	require.Equal(t, event.TypeEncrypted, forwarded[0].Type)
	select {
	case req := <-listener.requests:
		t.Fatalf("verified request %s should not pend", req.RequestID)
	default:
	}
	pending, err = first.PendingKeyRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The forwarded key makes the message readable on the second device.
	second.ProcessToDeviceEvent(&forwarded[0])
	result, err := second.DecryptEvent(roomEvent(t, encrypted, "$shared", aliceUser), "timeline")
	require.NoError(t, err)
	require.JSONEq(t, `{"body":"shared"}`, string(result.ClearContent()))
}

func TestReRequestRoomKeyForEvent(t *testing.T) {
	server := homeserver.NewFake()
	alice := startTestCoordinator(t, server, aliceUser, "ALICEDEV")

	content := &event.EncryptedContent{
		Algorithm: event.AlgorithmMegolmV1,
		SenderKey: "remote-sender-key",
		SessionID: "remote-session",
		DeviceID:  "REMOTEDEV",
	}
	evt := &event.Event{
		Type:    event.TypeEncrypted,
		EventID: "$remote",
		RoomID:  testRoom,
		Sender:  bobUser,
		Content: mustRaw(t, content),
	}
	require.NoError(t, alice.ReRequestRoomKeyForEvent(evt))

	// The request goes to all of our devices and to the sending device.
	ownCopy := waitToDevice(t, server, aliceUser, "ALICEDEV", 1)
	var request event.RoomKeyRequestContent
	require.NoError(t, json.Unmarshal(ownCopy[0].Content, &request))
	require.Equal(t, event.ActionShareRequest, request.Action)
	require.NotNil(t, request.Body)
	assert.Equal(t, "remote-session", request.Body.SessionID)
	assert.Equal(t, "remote-sender-key", request.Body.SenderKey)
	assert.Equal(t, testRoom, request.Body.RoomID)

	senderCopy := waitToDevice(t, server, bobUser, "REMOTEDEV", 1)
	assert.Equal(t, event.TypeRoomKeyRequest, senderCopy[0].Type)

	// An event without session identity cannot be re-requested.
	bare := &event.Event{
		Type:    event.TypeEncrypted,
		RoomID:  testRoom,
		Content: json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2"}`),
	}
	require.Error(t, alice.ReRequestRoomKeyForEvent(bare))
}

func TestEncryptEventAutoStarts(t *testing.T) {
	server := homeserver.NewFake()
	alice := newTestCoordinator(t, server, aliceUser, "ALICEDEV", store.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, alice.SetEncryptionInRoom(ctx, testRoom, event.AlgorithmMegolmV1, []string{aliceUser}, true))
	encrypted, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"lazy"}`), []string{aliceUser})
	require.NoError(t, err)
	assert.NotEmpty(t, encrypted.SessionID)
	assert.GreaterOrEqual(t, server.UploadCalls, 2, "encryption should have started the coordinator")
}

func TestClosedCoordinator(t *testing.T) {
	server := homeserver.NewFake()
	alice := newTestCoordinator(t, server, aliceUser, "ALICEDEV", store.NewMemoryStore())
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close(), "closing twice is fine")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, alice.StartAndWait(ctx, true), ErrClosed)

	_, err := alice.EncryptEvent(ctx, testRoom, "m.room.message",
		json.RawMessage(`{"body":"late"}`), []string{aliceUser})
	require.ErrorIs(t, err, ErrClosed)
}
