// Package session 持久化远程配对进度与公开账户资料，并暴露当前绑定的中继会话。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/authzsigner/internal/infra/kvstore"
	"github.com/aegis-sign/authzsigner/internal/keymaterial"
	"github.com/aegis-sign/authzsigner/internal/relay"
	"github.com/aegis-sign/authzsigner/internal/signer"
)

// 持久化键。助记词与公开账户始终分开存放。
const (
	KeyAccount        = "account"
	KeyMnemonic       = "mnemonic"
	KeyWalletType     = "wallet_type"
	KeyPairingAttempt = "pairing_attempt"
	KeyRegistered     = "registered"
)

// Outcome 为配对尝试的结果。
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeFound    Outcome = "found"
	OutcomeTimedOut Outcome = "timedOut"
	OutcomeFailed   Outcome = "failed"
)

// PairingAttempt 为一次远程配对的可恢复快照。
type PairingAttempt struct {
	// Generation 区分先后两次尝试，新尝试总是更大。
	Generation            uint64    `yaml:"generation"`
	ConnectionURI         string    `yaml:"connectionUri"`
	TargetWalletLabel     string    `yaml:"targetWalletLabel"`
	StartedAt             time.Time `yaml:"startedAt"`
	AttemptsMade          int       `yaml:"attemptsMade"`
	LastKnownPairingCount int       `yaml:"lastKnownPairingCount"`
	LastKnownSessionCount int       `yaml:"lastKnownSessionCount"`
	Outcome               Outcome   `yaml:"outcome"`
}

// Account 为公开账户资料，不含任何秘密。
type Account struct {
	Address   string    `json:"address"`
	PublicKey []byte    `json:"publicKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store 基于 KV 的会话存储。
type Store struct {
	kv     kvstore.Store
	holder *relay.Holder
	logger logrus.FieldLogger
}

// New 创建 Store。holder 可为 nil，此时 CurrentPairingRecord 总返回 nil。
func New(kv kvstore.Store, holder *relay.Holder, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{kv: kv, holder: holder, logger: logger}
}

// PersistPairingAttempt 整体覆盖已有快照。
func (s *Store) PersistPairingAttempt(ctx context.Context, attempt PairingAttempt) error {
	raw, err := yaml.Marshal(attempt)
	if err != nil {
		return eris.Wrap(err, "encode pairing attempt")
	}
	return s.kv.Set(ctx, KeyPairingAttempt, string(raw))
}

// LoadPairingAttempt 返回持久化的快照，没有时为 nil。损坏的快照会被丢弃。
func (s *Store) LoadPairingAttempt(ctx context.Context) (*PairingAttempt, error) {
	raw, ok, err := s.kv.Get(ctx, KeyPairingAttempt)
	if err != nil || !ok {
		return nil, err
	}
	var attempt PairingAttempt
	if err := yaml.Unmarshal([]byte(raw), &attempt); err != nil || attempt.ConnectionURI == "" {
		s.logger.WithError(err).Warn("discarding unreadable pairing attempt")
		return nil, s.ClearPairingAttempt(ctx)
	}
	return &attempt, nil
}

// ClearPairingAttempt 删除快照。
func (s *Store) ClearPairingAttempt(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyPairingAttempt)
}

// CurrentPairingRecord 返回中继已知的最新会话，没有时为 nil。不清理旧会话。
func (s *Store) CurrentPairingRecord(ctx context.Context) (*relay.Record, error) {
	if s.holder == nil {
		return nil, nil
	}
	client, err := s.holder.Get(ctx)
	if err != nil {
		return nil, err
	}
	records, err := client.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	return relay.LatestRecord(records), nil
}

// SaveAccount 保存公开账户资料。
func (s *Store) SaveAccount(ctx context.Context, acc Account) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return eris.Wrap(err, "encode account")
	}
	return s.kv.Set(ctx, KeyAccount, string(raw))
}

// LoadAccount 读取公开账户资料，没有时为 nil。
func (s *Store) LoadAccount(ctx context.Context) (*Account, error) {
	raw, ok, err := s.kv.Get(ctx, KeyAccount)
	if err != nil || !ok {
		return nil, err
	}
	var acc Account
	if err := json.Unmarshal([]byte(raw), &acc); err != nil {
		return nil, eris.Wrap(err, "decode account")
	}
	if acc.Address == "" {
		return nil, errors.New("stored account has no address")
	}
	return &acc, nil
}

// SaveSealedPhrase 保存加密后的助记词。
func (s *Store) SaveSealedPhrase(ctx context.Context, sealed *keymaterial.SealedPhrase) error {
	raw, err := sealed.Marshal()
	if err != nil {
		return eris.Wrap(err, "encode sealed phrase")
	}
	return s.kv.Set(ctx, KeyMnemonic, string(raw))
}

// LoadSealedPhrase 读取加密助记词，没有时为 nil。
func (s *Store) LoadSealedPhrase(ctx context.Context) (*keymaterial.SealedPhrase, error) {
	raw, ok, err := s.kv.Get(ctx, KeyMnemonic)
	if err != nil || !ok {
		return nil, err
	}
	sealed, err := keymaterial.UnmarshalSealed([]byte(raw))
	if err != nil {
		return nil, eris.Wrap(err, "decode sealed phrase")
	}
	return sealed, nil
}

// ClearSealedPhrase 删除加密助记词，切换到非本地后端时调用。
func (s *Store) ClearSealedPhrase(ctx context.Context) error {
	return s.kv.Remove(ctx, KeyMnemonic)
}

// SaveKindHint 记录后端类型提示。
func (s *Store) SaveKindHint(ctx context.Context, kind signer.Kind) error {
	return s.kv.Set(ctx, KeyWalletType, string(kind))
}

// LoadKindHint 读取后端类型提示，没有时为 KindNone。
func (s *Store) LoadKindHint(ctx context.Context) (signer.Kind, error) {
	raw, ok, err := s.kv.Get(ctx, KeyWalletType)
	if err != nil || !ok {
		return signer.KindNone, err
	}
	return signer.ParseKind(raw)
}

// SetRegistered 记录注册是否完成。
func (s *Store) SetRegistered(ctx context.Context, registered bool) error {
	return s.kv.Set(ctx, KeyRegistered, strconv.FormatBool(registered))
}

// Registered 读取注册标记。
func (s *Store) Registered(ctx context.Context) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, KeyRegistered)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// Clear 删除全部持久化状态，登出时调用。
func (s *Store) Clear(ctx context.Context) error {
	var errs []error
	for _, key := range []string{KeyAccount, KeyMnemonic, KeyWalletType, KeyPairingAttempt, KeyRegistered} {
		if err := s.kv.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
