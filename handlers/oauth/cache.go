package oauth

import (
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// expirySkew is subtracted from every expiry so a token is never handed
	// out moments before the provider rejects it.
	expirySkew = 30 * time.Second
	// opaqueTokenTTL bounds tokens that carry no expiry at all.
	opaqueTokenTTL = 5 * time.Minute
)

type cacheEntry struct {
	token     string
	owner     string
	expiresAt time.Time
}

type tokenCache struct {
	entries *lru.Cache[string, cacheEntry]
	now     func() time.Time
}

func newTokenCache(size int, now func() time.Time) (*tokenCache, error) {
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &tokenCache{entries: entries, now: now}, nil
}

// Key segments are query-escaped, which also escapes the "|" separator.
func ownerKey(channelID, userID string) string {
	return url.QueryEscape(channelID) + "|" + url.QueryEscape(userID)
}

func cacheKey(connection, channelID, userID string, scopes []string) string {
	key := url.QueryEscape(connection) + "|" + ownerKey(channelID, userID)
	if len(scopes) > 0 {
		key += "|" + url.QueryEscape(strings.Join(scopes, " "))
	}
	return key
}

func (c *tokenCache) get(key string) (string, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) put(key, owner, token string, reported time.Time) {
	now := c.now()
	expiresAt := tokenExpiry(token, reported, now)
	if !expiresAt.After(now) {
		return
	}
	c.entries.Add(key, cacheEntry{token: token, owner: owner, expiresAt: expiresAt})
}

// purge drops every entry cached for owner across connections and scopes.
func (c *tokenCache) purge(owner string) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if ok && entry.owner == owner {
			c.entries.Remove(key)
			removed++
		}
	}
	return removed
}

func tokenExpiry(token string, reported, now time.Time) time.Time {
	exp := reported
	if exp.IsZero() {
		exp = jwtExpiry(token)
	}
	if exp.IsZero() {
		return now.Add(opaqueTokenTTL)
	}
	return exp.Add(-expirySkew)
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// came from the provider over an authenticated channel; only its lifetime
// matters here.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
