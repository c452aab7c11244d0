package relay

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record 为中继层持有的已建立会话。EstablishedSeq 随建立顺序单调递增。
type Record struct {
	Topic          string               `json:"topic"`
	Peer           Metadata             `json:"peer"`
	Namespaces     map[string]Namespace `json:"namespaces"`
	Expiry         time.Time            `json:"expiry"`
	EstablishedSeq uint64               `json:"establishedSeq"`
}

// Expired 判断会话在 now 时刻是否已过期。零值 Expiry 视为永不过期。
func (r Record) Expired(now time.Time) bool {
	return !r.Expiry.IsZero() && !now.Before(r.Expiry)
}

// Accounts 返回所有命名空间下的账户串，命名空间按字典序展开。
func (r Record) Accounts() []string {
	names := make([]string, 0, len(r.Namespaces))
	for name := range r.Namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []string
	for _, name := range names {
		out = append(out, r.Namespaces[name].Accounts...)
	}
	return out
}

// Account 为 CAIP-10 账户串 namespace:chain:address 的解析结果。
type Account struct {
	Namespace string
	ChainID   string
	Address   string
}

func (a Account) String() string {
	return a.Namespace + ":" + a.ChainID + ":" + a.Address
}

// ParseAccount 解析 namespace:chain:address。
func ParseAccount(raw string) (Account, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 3 {
		return Account{}, fmt.Errorf("invalid account format %q", raw)
	}
	acc := Account{Namespace: parts[0], ChainID: parts[1], Address: parts[len(parts)-1]}
	if acc.Address == "" {
		return Account{}, fmt.Errorf("account %q has no address", raw)
	}
	return acc, nil
}

// ResolveAccount 从会话中取出 cosmos 命名空间的首个账户，chainID 非空时优先匹配该链。
func ResolveAccount(r Record, chainID string) (Account, error) {
	ns, ok := r.Namespaces[NamespaceCosmos]
	if !ok || len(ns.Accounts) == 0 {
		return Account{}, fmt.Errorf("session %s exposes no %s accounts", r.Topic, NamespaceCosmos)
	}
	var first *Account
	for _, raw := range ns.Accounts {
		acc, err := ParseAccount(raw)
		if err != nil {
			continue
		}
		if chainID == "" || acc.ChainID == chainID {
			return acc, nil
		}
		if first == nil {
			first = &acc
		}
	}
	if first != nil {
		return *first, nil
	}
	return Account{}, fmt.Errorf("session %s has no parsable account", r.Topic)
}

// LatestRecord 返回建立顺序最新的会话；顺序相同时以列表靠后者为准。不做任何清理。
func LatestRecord(records []Record) *Record {
	var latest *Record
	for i := range records {
		if latest == nil || records[i].EstablishedSeq >= latest.EstablishedSeq {
			latest = &records[i]
		}
	}
	if latest == nil {
		return nil
	}
	out := *latest
	return &out
}
