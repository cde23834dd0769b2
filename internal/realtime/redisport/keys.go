package redisport

import "fmt"

// keyspace builds the Redis keys of one realtime app
type keyspace string

func newKeyspace(appID string) keyspace {
	return keyspace("rt:" + appID)
}

func (k keyspace) messageSeq() string {
	return string(k) + ":msgseq"
}

// conversation holds the JSON wire messages between a and b, oldest first
func (k keyspace) conversation(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s:conv:%s|%s", k, a, b)
}

// conversations is a ZSET of peers scored by last activity
func (k keyspace) conversations(uid string) string {
	return fmt.Sprintf("%s:convs:%s", k, uid)
}

// unread is a HASH peer -> unread count
func (k keyspace) unread(uid string) string {
	return fmt.Sprintf("%s:unread:%s", k, uid)
}

func (k keyspace) call(sessionID string) string {
	return fmt.Sprintf("%s:call:%s", k, sessionID)
}

// ringing is a ZSET of session ids scored by ring deadline (unix ms)
func (k keyspace) ringing() string {
	return string(k) + ":ringing"
}

func (k keyspace) events(uid string) string {
	return fmt.Sprintf("%s:events:%s", k, uid)
}

func (k keyspace) revoked(tokenID string) string {
	return fmt.Sprintf("%s:revoked:%s", k, tokenID)
}
