package relay

import (
	"context"
	"time"
)

// SessionInfo 为调试输出中的单个会话。
type SessionInfo struct {
	Topic          string    `json:"topic"`
	Peer           string    `json:"peer"`
	Expiry         time.Time `json:"expiry"`
	Expired        bool      `json:"expired"`
	EstablishedSeq uint64    `json:"establishedSeq"`
	Accounts       []string  `json:"accounts"`
}

// DebugSnapshot 汇总中继当前可见的配对与会话。
type DebugSnapshot struct {
	Initialized  bool          `json:"initialized"`
	PairingCount int           `json:"pairingCount"`
	SessionCount int           `json:"sessionCount"`
	Latest       string        `json:"latestTopic,omitempty"`
	Sessions     []SessionInfo `json:"sessions"`
}

// Debug 生成快照。未初始化的 Holder 不会被触发初始化。
func Debug(ctx context.Context, h *Holder, now time.Time) (DebugSnapshot, error) {
	client := h.Current()
	if client == nil {
		return DebugSnapshot{Sessions: []SessionInfo{}}, nil
	}
	pairings, err := client.Pairings(ctx)
	if err != nil {
		return DebugSnapshot{}, err
	}
	sessions, err := client.Sessions(ctx)
	if err != nil {
		return DebugSnapshot{}, err
	}
	snap := DebugSnapshot{
		Initialized:  true,
		PairingCount: len(pairings),
		SessionCount: len(sessions),
		Sessions:     make([]SessionInfo, 0, len(sessions)),
	}
	for _, s := range sessions {
		snap.Sessions = append(snap.Sessions, SessionInfo{
			Topic:          s.Topic,
			Peer:           s.Peer.Name,
			Expiry:         s.Expiry,
			Expired:        s.Expired(now),
			EstablishedSeq: s.EstablishedSeq,
			Accounts:       s.Accounts(),
		})
	}
	if latest := LatestRecord(sessions); latest != nil {
		snap.Latest = latest.Topic
	}
	return snap, nil
}
