// Package mxcrypto implements Matrix end-to-end encryption for one device.
//
// The package owns everything a Matrix client needs to speak the Olm and
// Megolm protocols: the device's long-lived identity keys, one-time key
// replenishment, device-list tracking, per-room group sessions, room-key
// distribution, and the key-request protocol. The hosting client drives the
// homeserver sync loop and hands the crypto-relevant parts to a
// [Coordinator]; everything else happens inside.
//
// # Getting Started
//
// Create a Coordinator with options and start it before the first sync:
//
//	options := mxcrypto.NewOptions("@alice:example.org", client)
//	options.Store = boltstore.MustOpen("crypto.db")
//
//	coordinator, err := mxcrypto.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer coordinator.Close()
//
//	if err := coordinator.StartAndWait(ctx, true); err != nil {
//	    log.Fatal(err)
//	}
//
//	// After every sync response:
//	for _, evt := range toDeviceEvents {
//	    coordinator.ProcessToDeviceEvent(evt)
//	}
//	coordinator.OnSyncCompleted(&mxcrypto.SyncChanges{
//	    DeviceListsChanged: changed,
//	    DeviceListsLeft:    left,
//	    OneTimeKeyCounts:   counts,
//	    NextToken:          nextBatch,
//	})
//
// # Core Types
//
// The package defines several core types:
//
//   - [Coordinator]: owns all crypto state for one device
//   - [Options]: configuration for creating a Coordinator
//   - [SyncChanges]: the crypto-relevant parts of one sync response
//   - [KeyRequestListener]: notified of incoming key-share decisions
//
// # Encrypting and Decrypting
//
// Room events are encrypted for the room's current membership and decrypted
// within a caller-chosen timeline:
//
//	encrypted, err := coordinator.EncryptEvent(ctx, roomID, "m.room.message",
//	    content, memberIDs)
//
//	result, err := coordinator.DecryptEvent(evt, timelineID)
//	if err != nil {
//	    var decErr *algorithm.DecryptionError
//	    if errors.As(err, &decErr) && decErr.Code == algorithm.CodeUnknownInboundSession {
//	        // A key request is already on its way; retry on session import.
//	    }
//	}
//
// Decryption failures carry a stable code in [algorithm.DecryptionError] so
// hosts can distinguish a missing key (retryable once the key arrives) from
// corrupt ciphertext or a replay.
//
// # Device Trust
//
// Every observed device starts unknown. The host acknowledges devices and
// records verification decisions:
//
//	err := coordinator.CheckUnknownDevices(ctx, memberIDs)
//	var unknown *algorithm.UnknownDevicesError
//	if errors.As(err, &unknown) {
//	    // Surface the new devices, then:
//	    coordinator.SetDevicesKnown(userID, deviceIDs)
//	}
//
//	coordinator.SetDeviceVerification(userID, deviceID, device.Verified)
//
// Blocked devices never receive key material. Unverified devices can be
// excluded per room or globally with the blacklist switches.
//
// # Key Requests
//
// When another of the user's devices asks for a room key it cannot decrypt,
// the request is either served automatically (verified requester), dropped
// (blocked requester), or parked for the user:
//
//	coordinator.AddKeyRequestListener(listener)
//	// Later, from the listener's decision:
//	coordinator.ShareKeyRequest(ctx, req)
//	// or coordinator.IgnoreKeyRequest(req)
//
// # Key Backup Files
//
// Room keys travel between devices as password-sealed export files:
//
//	blob, err := coordinator.ExportRoomKeys(password)
//	imported, total, err := coordinator.ImportRoomKeys(blob, password, false, nil)
//
// # Concurrency
//
// All coordinator methods are safe for concurrent use. Internally, outbound
// state lives on an encrypt worker and inbound state on a decrypt worker;
// listener callbacks fire on a third worker so they may call back into the
// coordinator freely.
package mxcrypto
