package mxcrypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/canonicaljson"
	"github.com/opd-ai/mxcrypto/device"
	"github.com/opd-ai/mxcrypto/devicelist"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/homeserver"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/outgoing"
	"github.com/opd-ai/mxcrypto/store"
)

// Client is the homeserver surface the coordinator drives.
type Client = homeserver.Client

// Store persists all coordinator state.
type Store = store.CryptoStore

// State is the coordinator lifecycle state.
type State int

const (
	// StateIdle means Start has not completed or begun.
	StateIdle State = iota
	// StateStarting means a startup sequence is in flight.
	StateStarting
	// StateStarted means the coordinator is fully operational.
	StateStarted
	// StateClosed is terminal.
	StateClosed
)

// SyncChanges carries the crypto-relevant parts of one sync response.
type SyncChanges struct {
	// DeviceListsChanged lists users whose device lists changed.
	DeviceListsChanged []string
	// DeviceListsLeft lists users no longer sharing an encrypted room.
	DeviceListsLeft []string
	// OneTimeKeyCounts is the server's per-algorithm unclaimed key count,
	// nil when the sync carried none.
	OneTimeKeyCounts map[string]int
	// NextToken resumes incremental device-list queries.
	NextToken string
	// IsCatchingUp suppresses non-essential work while old syncs replay.
	IsCatchingUp bool
}

// Coordinator owns all end-to-end encryption state for one device: the
// account, per-room encryptors and decryptors, device-list tracking, and the
// room-key request lifecycle. Work is serialized on two internal workers; an
// extra worker delivers callbacks so hosts may call back into the
// coordinator freely.
type Coordinator struct {
	userID   string
	deviceID string
	options  *Options

	account *olm.Account
	store   store.CryptoStore
	client  homeserver.Client

	encryptWorker *worker
	decryptWorker *worker
	callbackWorker *worker

	tracker  *devicelist.Tracker
	requests *outgoing.Manager
	replay   *olm.ReplayCache

	log *logrus.Entry

	// Encrypt-worker state.
	state          State
	startCallbacks []func(error)
	startTimer     *time.Timer
	oneTimeKeyCount    int
	otkCheckInProgress bool
	lastOTKCheck       time.Time
	pendingRequests     []*event.IncomingRoomKeyRequest
	pendingCancellations []*event.IncomingRoomKeyRequest
	roomConfigs map[string]event.RoomEncryptionContent

	// Maps shared between workers, held only for lookup and insert.
	encMu      sync.Mutex
	encryptors map[string]algorithm.Encryptor
	decMu      sync.Mutex
	decryptors map[string]algorithm.Decryptor

	listenerMu     sync.Mutex
	nextListenerID int
	listeners      map[int]KeyRequestListener
	sessionImported func(roomID, senderKey, sessionID string)

	closeMu sync.Mutex
	closed  bool
}

// New builds a Coordinator, loading or creating the device identity. The
// store decides whether a previous identity is resumed: with a persistent
// store the same (ed25519, curve25519) pair survives restarts.
func New(options *Options) (*Coordinator, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}

	cryptoStore := options.Store
	if cryptoStore == nil {
		cryptoStore = store.NewMemoryStore()
	}

	account, err := loadOrCreateAccount(cryptoStore)
	if err != nil {
		return nil, err
	}
	if options.MaxOneTimeKeys > 0 {
		account.SetMaxOneTimeKeys(options.MaxOneTimeKeys)
	}

	deviceID, err := loadOrCreateDeviceID(cryptoStore, options.DeviceID)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		userID:   options.UserID,
		deviceID: deviceID,
		options:  options,
		account:  account,
		store:    cryptoStore,
		client:   options.Client,

		encryptWorker:  newWorker("encrypt"),
		decryptWorker:  newWorker("decrypt"),
		callbackWorker: newWorker("callback"),

		tracker:  devicelist.NewTracker(cryptoStore, options.Client),
		requests: outgoing.NewManager(cryptoStore, options.Client, deviceID),
		replay:   olm.NewReplayCache(),

		log: logrus.WithFields(logrus.Fields{
			"component": "mxcrypto",
			"device_id": deviceID,
		}),

		oneTimeKeyCount: -1,
		roomConfigs:     make(map[string]event.RoomEncryptionContent),
		encryptors:      make(map[string]algorithm.Encryptor),
		decryptors:      make(map[string]algorithm.Decryptor),
		listeners:       make(map[int]KeyRequestListener),
	}

	if err := c.persistSelfDevice(); err != nil {
		return nil, err
	}

	c.log.WithField("user_id", options.UserID).Info("Coordinator created")
	return c, nil
}

func loadOrCreateAccount(cryptoStore store.CryptoStore) (*olm.Account, error) {
	pickle, err := cryptoStore.Account()
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if pickle != nil {
		account, err := olm.UnpickleAccount(pickle)
		if err != nil {
			return nil, fmt.Errorf("failed to restore account: %w", err)
		}
		return account, nil
	}

	account, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	fresh, err := account.Pickle()
	if err != nil {
		return nil, fmt.Errorf("failed to pickle account: %w", err)
	}
	if err := cryptoStore.SaveAccount(fresh); err != nil {
		return nil, fmt.Errorf("failed to save account: %w", err)
	}
	return account, nil
}

func loadOrCreateDeviceID(cryptoStore store.CryptoStore, configured string) (string, error) {
	if configured != "" {
		if err := cryptoStore.SaveDeviceID(configured); err != nil {
			return "", fmt.Errorf("failed to save device ID: %w", err)
		}
		return configured, nil
	}
	stored, err := cryptoStore.DeviceID()
	if err != nil {
		return "", fmt.Errorf("failed to load device ID: %w", err)
	}
	if stored != "" {
		return stored, nil
	}
	generated := uuid.NewString()
	if err := cryptoStore.SaveDeviceID(generated); err != nil {
		return "", fmt.Errorf("failed to save device ID: %w", err)
	}
	return generated, nil
}

// persistSelfDevice records the local device among the known devices of the
// local user, pre-verified.
func (c *Coordinator) persistSelfDevice() error {
	self := &device.Identity{
		UserID:   c.userID,
		DeviceID: c.deviceID,
		Algorithms: []string{
			event.AlgorithmOlmV1,
			event.AlgorithmMegolmV1,
		},
		Keys: map[string]string{
			"curve25519:" + c.deviceID: c.account.IdentityKey(),
			"ed25519:" + c.deviceID:    c.account.FingerprintKey(),
		},
		Verification: device.Verified,
	}
	signable, err := canonicaljson.SignableFrom(self.SignedKeys())
	if err != nil {
		return fmt.Errorf("failed to canonicalize device keys: %w", err)
	}
	self.Signatures = map[string]map[string]string{
		c.userID: {
			"ed25519:" + c.deviceID: c.account.Sign(signable),
		},
	}
	if err := c.store.SaveDevice(c.userID, self); err != nil {
		return fmt.Errorf("failed to save self device: %w", err)
	}
	return nil
}

// UserID returns the local user.
func (c *Coordinator) UserID() string { return c.userID }

// DeviceID returns the local device.
func (c *Coordinator) DeviceID() string { return c.deviceID }

// IdentityKey returns the local curve25519 key, unpadded base64.
func (c *Coordinator) IdentityKey() string { return c.account.IdentityKey() }

// FingerprintKey returns the local ed25519 key, unpadded base64.
func (c *Coordinator) FingerprintKey() string { return c.account.FingerprintKey() }

// Start brings the coordinator to the STARTED state: device keys are
// uploaded and the one-time key pool is replenished. Concurrent calls
// coalesce; every callback fires exactly once, on the callback worker.
// Failed steps are retried once per second until they succeed or the
// coordinator closes.
func (c *Coordinator) Start(isInitialSync bool, callback func(error)) {
	ok := c.encryptWorker.Do(func() {
		c.startOnWorker(isInitialSync, callback)
	})
	if !ok && callback != nil {
		callback(ErrClosed)
	}
}

// StartAndWait runs Start and blocks until startup completes or ctx ends.
func (c *Coordinator) StartAndWait(ctx context.Context, isInitialSync bool) error {
	result := make(chan error, 1)
	c.Start(isInitialSync, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) startOnWorker(isInitialSync bool, callback func(error)) {
	switch c.state {
	case StateClosed:
		c.dispatchCallback(callback, ErrClosed)
		return
	case StateStarted:
		c.dispatchCallback(callback, nil)
		return
	}
	if callback != nil {
		c.startCallbacks = append(c.startCallbacks, callback)
	}
	if c.state == StateStarting {
		return
	}
	c.state = StateStarting
	c.runStartup(isInitialSync)
}

func (c *Coordinator) runStartup(isInitialSync bool) {
	if c.state != StateStarting {
		return
	}
	if check := c.options.ConnectivityCheck; check != nil && !check() {
		c.log.Debug("Startup waiting for connectivity")
		c.scheduleStartupRetry(isInitialSync)
		return
	}

	ctx := context.Background()
	if err := c.uploadDeviceKeys(ctx); err != nil {
		c.log.WithError(err).Warn("Startup device key upload failed, retrying")
		c.scheduleStartupRetry(isInitialSync)
		return
	}
	if err := c.replenishOneTimeKeys(ctx, true); err != nil {
		c.log.WithError(err).Warn("Startup one-time key replenishment failed, retrying")
		c.scheduleStartupRetry(isInitialSync)
		return
	}

	c.state = StateStarted
	if err := c.requests.Start(); err != nil {
		c.log.WithError(err).Warn("Outgoing request manager already running")
	}

	callbacks := c.startCallbacks
	c.startCallbacks = nil
	for _, callback := range callbacks {
		c.dispatchCallback(callback, nil)
	}
	c.log.Info("Coordinator started")

	if isInitialSync {
		if err := c.tracker.InvalidateAll(); err != nil {
			c.log.WithError(err).Warn("Failed to invalidate device lists")
		}
		if err := c.tracker.RefreshStale(ctx); err != nil {
			c.log.WithError(err).Warn("Failed to refresh device lists")
		}
	} else {
		c.drainIncomingKeyRequests(ctx)
	}
}

func (c *Coordinator) scheduleStartupRetry(isInitialSync bool) {
	c.startTimer = time.AfterFunc(StartupRetryInterval, func() {
		c.encryptWorker.Do(func() { c.runStartup(isInitialSync) })
	})
}

func (c *Coordinator) dispatchCallback(callback func(error), err error) {
	if callback == nil {
		return
	}
	c.callbackWorker.Do(func() { callback(err) })
}

// uploadDeviceKeys publishes the signed device keys.
func (c *Coordinator) uploadDeviceKeys(ctx context.Context) error {
	self, err := c.store.Device(c.userID, c.deviceID)
	if err != nil {
		return fmt.Errorf("failed to load self device: %w", err)
	}
	req := &homeserver.UploadKeysRequest{
		DeviceKeys: self.SignedKeys(),
		DeviceID:   c.deviceID,
	}
	resp, err := c.client.UploadKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to upload device keys: %w", err)
	}
	if count, ok := resp.OneTimeKeyCounts["signed_curve25519"]; ok {
		c.oneTimeKeyCount = count
	}
	return nil
}

// OnSyncCompleted folds one sync response into the coordinator: device-list
// deltas, the server's one-time key count, and deferred queue work. Called
// by the host after every sync.
func (c *Coordinator) OnSyncCompleted(changes *SyncChanges) {
	if changes == nil {
		return
	}
	c.encryptWorker.Do(func() {
		ctx := context.Background()
		if err := c.tracker.ApplySyncChanges(changes.DeviceListsChanged, changes.DeviceListsLeft); err != nil {
			c.log.WithError(err).Warn("Failed to apply device list changes")
		}
		if changes.NextToken != "" {
			if err := c.store.SaveDeviceSyncToken(changes.NextToken); err != nil {
				c.log.WithError(err).Warn("Failed to save sync token")
			}
		}
		if count, ok := changes.OneTimeKeyCounts["signed_curve25519"]; ok {
			c.oneTimeKeyCount = count
		}
		if c.state != StateStarted {
			return
		}
		if err := c.tracker.RefreshStale(ctx); err != nil {
			c.log.WithError(err).Warn("Failed to refresh device lists")
		}
		if changes.IsCatchingUp {
			return
		}
		if err := c.replenishOneTimeKeys(ctx, false); err != nil {
			c.log.WithError(err).Warn("One-time key replenishment failed, deferring to next sync")
		}
		c.drainIncomingKeyRequests(ctx)
	})
}

// ProcessToDeviceEvent routes one to-device event from sync into the
// coordinator: encrypted envelopes to the decrypt worker, key requests to
// the encrypt worker's queues.
func (c *Coordinator) ProcessToDeviceEvent(evt *event.ToDeviceEvent) {
	switch evt.Type {
	case event.TypeEncrypted:
		c.decryptWorker.Do(func() { c.processEncryptedToDevice(evt) })
	case event.TypeRoomKeyRequest:
		c.encryptWorker.Do(func() { c.queueKeyRequest(evt) })
	case event.TypeRoomKey, event.TypeForwardedRoomKey:
		// Key material is only accepted over an authenticated Olm channel.
		c.log.WithField("type", evt.Type).Debug("Ignoring plaintext key event")
	}
}

// processEncryptedToDevice decrypts an Olm envelope and feeds any carried
// room key to the owning decryptor.
func (c *Coordinator) processEncryptedToDevice(evt *event.ToDeviceEvent) {
	decryptor := c.decryptorFor("", event.AlgorithmOlmV1)
	if decryptor == nil {
		return
	}
	result, err := decryptor.DecryptEvent(&event.Event{
		Type:    evt.Type,
		Sender:  evt.Sender,
		Content: evt.Content,
	}, "")
	if err != nil {
		c.log.WithError(err).WithField("sender", evt.Sender).
			Warn("Failed to decrypt to-device event")
		return
	}

	clearType := result.ClearType()
	switch clearType {
	case event.TypeRoomKey, event.TypeForwardedRoomKey:
		content := result.ClearContent()
		roomID := roomIDOfKeyEvent(content)
		target := c.decryptorFor(roomID, event.AlgorithmMegolmV1)
		if target == nil {
			return
		}
		target.OnRoomKeyEvent(clearType, content, result.SenderCurve25519Key, result.ClaimedEd25519Key)
	default:
		c.log.WithField("type", clearType).Debug("Ignoring decrypted to-device event")
	}
}

func roomIDOfKeyEvent(content json.RawMessage) string {
	var partial struct {
		RoomID string `json:"room_id"`
	}
	_ = json.Unmarshal(content, &partial)
	return partial.RoomID
}

// decryptorFor returns the decryptor for a (room, algorithm) pair, building
// it on first use. Returns nil for unsupported algorithms.
func (c *Coordinator) decryptorFor(roomID, algorithmName string) algorithm.Decryptor {
	key := roomID + "|" + algorithmName
	c.decMu.Lock()
	defer c.decMu.Unlock()
	if decryptor, ok := c.decryptors[key]; ok {
		return decryptor
	}
	decryptor := algorithm.NewDecryptor(algorithmName, roomID, c.host())
	if decryptor != nil {
		c.decryptors[key] = decryptor
	}
	return decryptor
}

// encryptorFor returns the encryptor bound to a room, building it from the
// room's stored algorithm on first use.
func (c *Coordinator) encryptorFor(roomID string) (algorithm.Encryptor, error) {
	c.encMu.Lock()
	if encryptor, ok := c.encryptors[roomID]; ok {
		c.encMu.Unlock()
		return encryptor, nil
	}
	c.encMu.Unlock()

	algorithmName, err := c.store.RoomAlgorithm(roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load room algorithm: %w", err)
	}
	if algorithmName == "" {
		return nil, fmt.Errorf("encryption is not configured in room %s", roomID)
	}
	encryptor := algorithm.NewEncryptor(algorithmName, roomID, c.host())
	if encryptor == nil {
		return nil, fmt.Errorf("no encryptor for algorithm %s", algorithmName)
	}
	c.applyRotationPolicy(roomID, encryptor)

	c.encMu.Lock()
	defer c.encMu.Unlock()
	if existing, ok := c.encryptors[roomID]; ok {
		return existing, nil
	}
	c.encryptors[roomID] = encryptor
	return encryptor, nil
}

func (c *Coordinator) applyRotationPolicy(roomID string, encryptor algorithm.Encryptor) {
	config, ok := c.roomConfigs[roomID]
	if !ok {
		return
	}
	if megolm, ok := encryptor.(*algorithm.MegolmEncryptor); ok {
		megolm.SetRotationPolicy(config.RotationPeriodMs, config.RotationPeriodMsgs)
	}
}

// Close shuts the coordinator down: the request manager stops, both workers
// drain, and the store closes. The device identity stays in the store so a
// later New with the same store resumes it. No callbacks fire after Close.
func (c *Coordinator) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	_ = c.encryptWorker.DoWait(func() {
		c.state = StateClosed
		if c.startTimer != nil {
			c.startTimer.Stop()
		}
		for _, callback := range c.startCallbacks {
			c.dispatchCallback(callback, ErrClosed)
		}
		c.startCallbacks = nil
	})

	c.requests.Stop()
	c.encryptWorker.Close()
	c.decryptWorker.Close()
	c.callbackWorker.Close()

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	c.log.Info("Coordinator closed")
	return nil
}

// persistAccount writes the account pickle back to the store.
func (c *Coordinator) persistAccount() error {
	pickle, err := c.account.Pickle()
	if err != nil {
		return fmt.Errorf("failed to pickle account: %w", err)
	}
	if err := c.store.SaveAccount(pickle); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
