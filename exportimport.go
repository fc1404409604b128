package mxcrypto

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/mxcrypto/algorithm"
	"github.com/opd-ai/mxcrypto/event"
	"github.com/opd-ai/mxcrypto/olm"
	"github.com/opd-ai/mxcrypto/store"
)

// ExportRoomKeys serializes every held inbound group session into a
// password-sealed blob suitable for ImportRoomKeys on another device. Keys
// are exported at their first known index, so the importer can decrypt
// exactly what this device can.
func (c *Coordinator) ExportRoomKeys(password string) ([]byte, error) {
	var blob []byte
	err := c.decryptWorker.DoWaitErr(func() error {
		records, err := c.store.InboundGroupSessions()
		if err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
		entries := make([]*event.MegolmSessionData, 0, len(records))
		for _, record := range records {
			entry, err := exportEntry(record)
			if err != nil {
				c.log.WithError(err).WithField("session_id", record.SessionID).
					Warn("Skipping unexportable session")
				continue
			}
			entries = append(entries, entry)
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
		blob, err = olm.EncryptExport(payload, password, olm.DefaultExportIterations)
		if err != nil {
			return fmt.Errorf("failed to seal export: %w", err)
		}
		return nil
	})
	return blob, err
}

func exportEntry(record *store.InboundGroupSessionRecord) (*event.MegolmSessionData, error) {
	session, err := olm.UnpickleInboundGroupSession(record.Pickle)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle session: %w", err)
	}
	entry := &event.MegolmSessionData{
		Algorithm:                    event.AlgorithmMegolmV1,
		RoomID:                       record.RoomID,
		SenderKey:                    record.SenderKey,
		SessionID:                    record.SessionID,
		SessionKey:                   session.Export(session.FirstKnownIndex()),
		ForwardingCurve25519KeyChain: append([]string(nil), record.ForwardingChain...),
	}
	if record.SenderClaimedEd25519Key != "" {
		entry.SenderClaimedKeys = map[string]string{"ed25519": record.SenderClaimedEd25519Key}
	}
	return entry, nil
}

// ImportRoomKeys opens a room-keys export blob and installs its sessions.
// Entries for sessions already held at the same or an earlier index are
// skipped. With
// backUp, imported sessions are marked as already backed up. The progress
// callback, when set, is invoked after every entry with the processed and
// total counts. Returns how many entries were installed and how many the
// blob carried.
func (c *Coordinator) ImportRoomKeys(blob []byte, password string, backUp bool, progress func(done, total int)) (int, int, error) {
	payload, err := olm.DecryptExport(blob, password)
	if err != nil {
		return 0, 0, err
	}
	var entries []*event.MegolmSessionData
	if err := json.Unmarshal(payload, &entries); err != nil {
		return 0, 0, fmt.Errorf("failed to parse export: %w", err)
	}

	imported := 0
	err = c.decryptWorker.DoWaitErr(func() error {
		for i, entry := range entries {
			if entry.Algorithm != event.AlgorithmMegolmV1 || entry.RoomID == "" ||
				entry.SenderKey == "" || entry.SessionID == "" || entry.SessionKey == "" {
				c.log.WithField("session_id", entry.SessionID).
					Debug("Skipping malformed export entry")
			} else if c.importSessionData(entry, backUp) {
				imported++
			}
			if progress != nil {
				done, total := i+1, len(entries)
				c.callbackWorker.Do(func() { progress(done, total) })
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	c.log.WithFields(map[string]interface{}{
		"imported": imported,
		"total":    len(entries),
	}).Info("Imported room keys")
	return imported, len(entries), nil
}

// importSessionData routes one export entry through the owning room
// decryptor so its session cache and key-request bookkeeping stay coherent.
// Runs on the decrypt worker.
func (c *Coordinator) importSessionData(entry *event.MegolmSessionData, backUp bool) bool {
	decryptor := c.decryptorFor(entry.RoomID, entry.Algorithm)
	megolm, ok := decryptor.(*algorithm.MegolmDecryptor)
	if !ok {
		return false
	}
	return megolm.ImportSessionData(entry, backUp)
}
