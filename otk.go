package mxcrypto

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/mxcrypto/canonicaljson"
	"github.com/opd-ai/mxcrypto/homeserver"
)

// replenishOneTimeKeys tops the server's unclaimed key pool up to half the
// account's bound, generating in small batches so the worker stays
// responsive. Runs on the encrypt worker. With force, the once-per-period
// guard is bypassed.
func (c *Coordinator) replenishOneTimeKeys(ctx context.Context, force bool) error {
	if c.otkCheckInProgress {
		return nil
	}
	if !force && time.Since(c.lastOTKCheck) < OneTimeKeyUploadPeriod {
		return nil
	}
	c.otkCheckInProgress = true
	defer func() { c.otkCheckInProgress = false }()

	target := c.account.MaxOneTimeKeys() / 2

	if c.oneTimeKeyCount < 0 {
		resp, err := c.client.UploadKeys(ctx, &homeserver.UploadKeysRequest{DeviceID: c.deviceID})
		if err != nil {
			return fmt.Errorf("failed to fetch key count: %w", err)
		}
		c.oneTimeKeyCount = resp.OneTimeKeyCounts["signed_curve25519"]
	}

	for c.oneTimeKeyCount < target {
		batch := target - c.oneTimeKeyCount
		if batch > OneTimeKeyGenerationMaxNumber {
			batch = OneTimeKeyGenerationMaxNumber
		}
		count, err := c.generateAndUploadKeys(ctx, batch)
		if err != nil {
			return err
		}
		c.oneTimeKeyCount = count
	}

	c.lastOTKCheck = time.Now()
	return nil
}

// generateAndUploadKeys makes one batch of signed one-time keys, uploads it,
// and returns the server's resulting pool count.
func (c *Coordinator) generateAndUploadKeys(ctx context.Context, batch int) (int, error) {
	if err := c.account.GenerateOneTimeKeys(batch); err != nil {
		return 0, fmt.Errorf("failed to generate one-time keys: %w", err)
	}
	if err := c.persistAccount(); err != nil {
		return 0, err
	}

	upload := make(map[string]homeserver.SignedOneTimeKey)
	for keyID, publicKey := range c.account.UnpublishedOneTimeKeys() {
		signable, err := canonicaljson.SignableFrom(struct {
			Key string `json:"key"`
		}{Key: publicKey})
		if err != nil {
			return 0, fmt.Errorf("failed to canonicalize one-time key: %w", err)
		}
		upload["signed_curve25519:"+keyID] = homeserver.SignedOneTimeKey{
			Key: publicKey,
			Signatures: map[string]map[string]string{
				c.userID: {
					"ed25519:" + c.deviceID: c.account.Sign(signable),
				},
			},
		}
	}

	resp, err := c.client.UploadKeys(ctx, &homeserver.UploadKeysRequest{
		OneTimeKeys: upload,
		DeviceID:    c.deviceID,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload one-time keys: %w", err)
	}

	c.account.MarkKeysAsPublished()
	if err := c.persistAccount(); err != nil {
		return 0, err
	}
	return resp.OneTimeKeyCounts["signed_curve25519"], nil
}
