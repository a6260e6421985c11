package cache

import "regexp"

// Key prefixes used by query consumers. Kept in one place so mutation
// paths and readers agree on them.
const (
	MessagesPrefix = "messages:"
	ChannelsPrefix = "channels:"
	ServersPrefix  = "servers:"
)

func MessagesKey(channelID string) string { return MessagesPrefix + channelID }
func ChannelsKey(serverID string) string  { return ChannelsPrefix + serverID }

// Invalidator ties a Cache and a Bus together so a mutation drops the
// affected entries and signals staleness to topic subscribers in one call.
type Invalidator struct {
	Cache *Cache
	Bus   *Bus
}

// InvalidateMessages drops the message cache for one channel (or every
// channel when channelID is empty) and notifies the matching topic.
func (iv *Invalidator) InvalidateMessages(channelID string) {
	if channelID == "" {
		iv.Cache.InvalidatePattern("^" + MessagesPrefix)
		iv.Bus.Notify("messages")
		return
	}
	key := MessagesKey(channelID)
	iv.Cache.Delete(key)
	// Anchored on a separator so "general" does not match "general2".
	iv.Cache.InvalidatePattern("^" + regexp.QuoteMeta(key) + "(:|$)")
	iv.Bus.Notify(key)
}

// InvalidateChannels drops the channel list cache for one server (or all
// servers when serverID is empty) and notifies the matching topic.
func (iv *Invalidator) InvalidateChannels(serverID string) {
	if serverID == "" {
		iv.Cache.InvalidatePattern("^" + ChannelsPrefix)
		iv.Bus.Notify("channels")
		return
	}
	key := ChannelsKey(serverID)
	iv.Cache.Delete(key)
	iv.Cache.InvalidatePattern("^" + regexp.QuoteMeta(key) + "(:|$)")
	iv.Bus.Notify(key)
}

// InvalidateAll clears the cache and notifies every topic that currently
// has subscribers.
func (iv *Invalidator) InvalidateAll() {
	iv.Cache.Clear()
	iv.Bus.mu.Lock()
	topics := make([]string, 0, len(iv.Bus.topics))
	for topic := range iv.Bus.topics {
		topics = append(topics, topic)
	}
	iv.Bus.mu.Unlock()
	for _, topic := range topics {
		iv.Bus.Notify(topic)
	}
}
