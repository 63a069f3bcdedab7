package ws

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/suvashsumon/chat-app-backend/internal/metrics"
)

var (
	ErrRegistryClosed = errors.New("registry closed")
	ErrPeerClosed     = errors.New("peer closed")
	ErrSlowPeer       = errors.New("peer send buffer full")
)

// Peer 是注册表中的一个实时连接。Send 不得阻塞，失败即视为连接已失效。
type Peer interface {
	ID() string
	Send(payload []byte) error
	Close()
}

// Registry 维护 空间 -> 在线连接集合 的映射，只反映“谁正在监听”，不是成员关系的数据源。
// 进程启动时创建一次，停服时调用 Close 断开全部连接。
type Registry struct {
	mu     sync.RWMutex
	spaces map[uint]map[Peer]struct{}
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{spaces: make(map[uint]map[Peer]struct{})}
}

// Connect 把连接登记到空间下，返回的 release 可重复调用，调用方应 defer 它。
func (r *Registry) Connect(p Peer, spaceID uint) (release func(), err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	set := r.spaces[spaceID]
	if set == nil {
		set = make(map[Peer]struct{})
		r.spaces[spaceID] = set
	}
	_, existed := set[p]
	set[p] = struct{}{}
	online := len(set)
	r.mu.Unlock()

	if !existed {
		metrics.WsConnections.Inc()
	}
	log.Debug().Str("peer", p.ID()).Uint("space_id", spaceID).Int("online", online).Msg("peer connected")

	var once sync.Once
	return func() {
		once.Do(func() { r.Disconnect(p, spaceID) })
	}, nil
}

// Disconnect 移除连接；不存在时什么也不做。返回是否真的移除了。
func (r *Registry) Disconnect(p Peer, spaceID uint) bool {
	r.mu.Lock()
	set := r.spaces[spaceID]
	_, ok := set[p]
	if ok {
		delete(set, p)
		if len(set) == 0 {
			delete(r.spaces, spaceID)
		}
	}
	r.mu.Unlock()

	if ok {
		metrics.WsConnections.Dec()
		log.Debug().Str("peer", p.ID()).Uint("space_id", spaceID).Msg("peer disconnected")
	}
	return ok
}

// Broadcast 把 payload 原样投递给空间内当前的所有连接，返回成功入队的数量。
// 单个连接发送失败只会把它踢出注册表，不影响其余连接。
func (r *Registry) Broadcast(spaceID uint, payload []byte) int {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.spaces[spaceID]))
	for p := range r.spaces[spaceID] {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Peer
	for _, p := range peers {
		if err := p.Send(payload); err != nil {
			log.Warn().Err(err).Str("peer", p.ID()).Uint("space_id", spaceID).Msg("broadcast send failed")
			failed = append(failed, p)
			continue
		}
		delivered++
	}
	for _, p := range failed {
		if r.Disconnect(p, spaceID) {
			metrics.BroadcastDropped.Inc()
		}
		p.Close()
	}
	metrics.BroadcastDeliveries.Add(float64(delivered))
	return delivered
}

// Online 返回空间当前在线连接数。
func (r *Registry) Online(spaceID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spaces[spaceID])
}

// Close 清空注册表并关闭全部连接，之后的 Connect 会失败。
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var peers []Peer
	for _, set := range r.spaces {
		for p := range set {
			peers = append(peers, p)
		}
	}
	r.spaces = make(map[uint]map[Peer]struct{})
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	metrics.WsConnections.Sub(float64(len(peers)))
	log.Info().Int("peers", len(peers)).Msg("registry closed")
}
