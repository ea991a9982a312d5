package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
)

// Key types used in the session key store.
const (
	keyTypeIdentity   = "identity"
	keyTypeSession    = "session"
	keyTypePreKey     = "pre-key"
	keyTypeSenderKey  = "sender-key"
	keyTypeAppStateID = "app-state-sync-key"
)

// signalStore serves whatsmeow's Signal key material out of a session's
// KeyStore rows.
type signalStore struct {
	keys      KeyStore
	sessionID string

	// preKeyMu serialises id allocation.
	preKeyMu sync.Mutex
}

var (
	_ store.IdentityStore        = (*signalStore)(nil)
	_ store.SessionStore         = (*signalStore)(nil)
	_ store.PreKeyStore          = (*signalStore)(nil)
	_ store.SenderKeyStore       = (*signalStore)(nil)
	_ store.AppStateSyncKeyStore = (*signalStore)(nil)
)

func newSignalStore(ks KeyStore, sessionID string) *signalStore {
	return &signalStore{keys: ks, sessionID: sessionID}
}

// attach points the device's key stores at s.
func (s *signalStore) attach(device *store.Device) {
	device.Identities = s
	device.Sessions = s
	device.PreKeys = s
	device.SenderKeys = s
	device.AppStateKeys = s
}

func (s *signalStore) get(ctx context.Context, keyType, id string) ([]byte, error) {
	got, err := s.keys.GetKeys(ctx, s.sessionID, keyType, []string{id})
	if err != nil {
		return nil, err
	}
	return got[id], nil
}

func (s *signalStore) put(ctx context.Context, keyType, id string, value []byte) error {
	return s.keys.SetKeys(ctx, s.sessionID, map[string]map[string][]byte{keyType: {id: value}})
}

func (s *signalStore) deletePrefix(ctx context.Context, keyType, prefix string) error {
	all, err := s.keys.ListKeys(ctx, s.sessionID, keyType)
	if err != nil {
		return err
	}
	del := make(map[string][]byte)
	for id := range all {
		if strings.HasPrefix(id, prefix) {
			del[id] = nil
		}
	}
	if len(del) == 0 {
		return nil
	}
	return s.keys.SetKeys(ctx, s.sessionID, map[string]map[string][]byte{keyType: del})
}

func (s *signalStore) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	return s.put(ctx, keyTypeIdentity, address, key[:])
}

func (s *signalStore) DeleteAllIdentities(ctx context.Context, phone string) error {
	return s.deletePrefix(ctx, keyTypeIdentity, phone+":")
}

func (s *signalStore) DeleteIdentity(ctx context.Context, address string) error {
	return s.put(ctx, keyTypeIdentity, address, nil)
}

// IsTrustedIdentity trusts unknown addresses and known ones whose key matches.
func (s *signalStore) IsTrustedIdentity(ctx context.Context, address string, key [32]byte) (bool, error) {
	existing, err := s.get(ctx, keyTypeIdentity, address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if len(existing) != 32 {
		return false, fmt.Errorf("stored identity for %s has %d bytes", address, len(existing))
	}
	return *(*[32]byte)(existing) == key, nil
}

func (s *signalStore) GetSession(ctx context.Context, address string) ([]byte, error) {
	return s.get(ctx, keyTypeSession, address)
}

func (s *signalStore) HasSession(ctx context.Context, address string) (bool, error) {
	v, err := s.get(ctx, keyTypeSession, address)
	return v != nil, err
}

func (s *signalStore) PutSession(ctx context.Context, address string, session []byte) error {
	return s.put(ctx, keyTypeSession, address, session)
}

func (s *signalStore) DeleteAllSessions(ctx context.Context, phone string) error {
	return s.deletePrefix(ctx, keyTypeSession, phone+":")
}

func (s *signalStore) DeleteSession(ctx context.Context, address string) error {
	return s.put(ctx, keyTypeSession, address, nil)
}

// MigratePNToLID moves sessions, identities and sender keys recorded under a
// phone-number address to the matching LID address.
func (s *signalStore) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	pnSignal := pn.SignalAddressUser()
	lidSignal := lid.SignalAddressUser()
	prefix := pnSignal + ":"

	updates := make(map[string]map[string][]byte)
	for _, keyType := range []string{keyTypeSession, keyTypeIdentity} {
		all, err := s.keys.ListKeys(ctx, s.sessionID, keyType)
		if err != nil {
			return err
		}
		for id, value := range all {
			if !strings.HasPrefix(id, prefix) {
				continue
			}
			if updates[keyType] == nil {
				updates[keyType] = make(map[string][]byte)
			}
			updates[keyType][lidSignal+strings.TrimPrefix(id, pnSignal)] = value
			updates[keyType][id] = nil
		}
	}

	senders, err := s.keys.ListKeys(ctx, s.sessionID, keyTypeSenderKey)
	if err != nil {
		return err
	}
	for id, value := range senders {
		group, user, ok := strings.Cut(id, "|")
		if !ok || !strings.HasPrefix(user, prefix) {
			continue
		}
		if updates[keyTypeSenderKey] == nil {
			updates[keyTypeSenderKey] = make(map[string][]byte)
		}
		updates[keyTypeSenderKey][senderKeyID(group, lidSignal+strings.TrimPrefix(user, pnSignal))] = value
		updates[keyTypeSenderKey][id] = nil
	}

	if len(updates) == 0 {
		return nil
	}
	return s.keys.SetKeys(ctx, s.sessionID, updates)
}

// Pre-keys are stored as the 32-byte private key followed by an uploaded flag.
func encodePreKey(key *keys.PreKey, uploaded bool) []byte {
	out := make([]byte, 33)
	copy(out, key.Priv[:])
	if uploaded {
		out[32] = 1
	}
	return out
}

func decodePreKey(id uint32, raw []byte) (*keys.PreKey, bool, error) {
	if len(raw) != 33 {
		return nil, false, fmt.Errorf("stored pre-key %d has %d bytes", id, len(raw))
	}
	return &keys.PreKey{
		KeyPair: *keys.NewKeyPairFromPrivateKey(*(*[32]byte)(raw[:32])),
		KeyID:   id,
	}, raw[32] == 1, nil
}

type storedPreKey struct {
	key      *keys.PreKey
	uploaded bool
}

func (s *signalStore) listPreKeys(ctx context.Context) ([]storedPreKey, error) {
	all, err := s.keys.ListKeys(ctx, s.sessionID, keyTypePreKey)
	if err != nil {
		return nil, err
	}
	out := make([]storedPreKey, 0, len(all))
	for rawID, raw := range all {
		id, err := strconv.ParseUint(rawID, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid pre-key id %q: %w", rawID, err)
		}
		key, uploaded, err := decodePreKey(uint32(id), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, storedPreKey{key: key, uploaded: uploaded})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.KeyID < out[j].key.KeyID })
	return out, nil
}

func preKeyID(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

// GetOrGenPreKeys returns up to count pre-keys that were never uploaded,
// generating new ones after the highest stored id to make up the difference.
func (s *signalStore) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()

	stored, err := s.listPreKeys(ctx)
	if err != nil {
		return nil, err
	}
	var lastID uint32
	out := make([]*keys.PreKey, 0, count)
	for _, sk := range stored {
		if sk.key.KeyID > lastID {
			lastID = sk.key.KeyID
		}
		if !sk.uploaded && uint32(len(out)) < count {
			out = append(out, sk.key)
		}
	}

	fresh := make(map[string][]byte)
	for uint32(len(out)) < count {
		lastID++
		key := keys.NewPreKey(lastID)
		fresh[preKeyID(key.KeyID)] = encodePreKey(key, false)
		out = append(out, key)
	}
	if len(fresh) > 0 {
		if err := s.keys.SetKeys(ctx, s.sessionID, map[string]map[string][]byte{keyTypePreKey: fresh}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GenOnePreKey generates a single pre-key already marked as uploaded.
func (s *signalStore) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()

	stored, err := s.listPreKeys(ctx)
	if err != nil {
		return nil, err
	}
	var lastID uint32
	if n := len(stored); n > 0 {
		lastID = stored[n-1].key.KeyID
	}
	key := keys.NewPreKey(lastID + 1)
	if err := s.put(ctx, keyTypePreKey, preKeyID(key.KeyID), encodePreKey(key, true)); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *signalStore) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	raw, err := s.get(ctx, keyTypePreKey, preKeyID(id))
	if err != nil || raw == nil {
		return nil, err
	}
	key, _, err := decodePreKey(id, raw)
	return key, err
}

func (s *signalStore) RemovePreKey(ctx context.Context, id uint32) error {
	return s.put(ctx, keyTypePreKey, preKeyID(id), nil)
}

func (s *signalStore) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	s.preKeyMu.Lock()
	defer s.preKeyMu.Unlock()

	stored, err := s.listPreKeys(ctx)
	if err != nil {
		return err
	}
	marked := make(map[string][]byte)
	for _, sk := range stored {
		if sk.key.KeyID <= upToID && !sk.uploaded {
			marked[preKeyID(sk.key.KeyID)] = encodePreKey(sk.key, true)
		}
	}
	if len(marked) == 0 {
		return nil
	}
	return s.keys.SetKeys(ctx, s.sessionID, map[string]map[string][]byte{keyTypePreKey: marked})
}

func (s *signalStore) UploadedPreKeyCount(ctx context.Context) (int, error) {
	stored, err := s.listPreKeys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sk := range stored {
		if sk.uploaded {
			n++
		}
	}
	return n, nil
}

// Group ids never contain '|'.
func senderKeyID(group, user string) string { return group + "|" + user }

func (s *signalStore) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	return s.put(ctx, keyTypeSenderKey, senderKeyID(group, user), session)
}

func (s *signalStore) GetSenderKey(ctx context.Context, group, user string) ([]byte, error) {
	return s.get(ctx, keyTypeSenderKey, senderKeyID(group, user))
}

func (s *signalStore) PutAppStateSyncKey(ctx context.Context, id []byte, key store.AppStateSyncKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode app state key: %w", err)
	}
	return s.put(ctx, keyTypeAppStateID, hex.EncodeToString(id), raw)
}

func (s *signalStore) GetAppStateSyncKey(ctx context.Context, id []byte) (*store.AppStateSyncKey, error) {
	raw, err := s.get(ctx, keyTypeAppStateID, hex.EncodeToString(id))
	if err != nil || raw == nil {
		return nil, err
	}
	var key store.AppStateSyncKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decode app state key: %w", err)
	}
	return &key, nil
}

// GetLatestAppStateSyncKeyID returns the id of the newest key by timestamp.
func (s *signalStore) GetLatestAppStateSyncKeyID(ctx context.Context) ([]byte, error) {
	all, err := s.keys.ListKeys(ctx, s.sessionID, keyTypeAppStateID)
	if err != nil {
		return nil, err
	}
	var (
		latestID string
		latestTS int64
		found    bool
	)
	for id, raw := range all {
		var key store.AppStateSyncKey
		if err := json.Unmarshal(raw, &key); err != nil {
			return nil, fmt.Errorf("decode app state key %s: %w", id, err)
		}
		if !found || key.Timestamp > latestTS {
			latestID, latestTS, found = id, key.Timestamp, true
		}
	}
	if !found {
		return nil, nil
	}
	return hex.DecodeString(latestID)
}
