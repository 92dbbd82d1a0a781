// Package auth decides which clients may reach the server at all. There are
// no accounts: access is granted by client address.
package auth

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AllowList matches client addresses against single IPs and CIDR prefixes.
type AllowList struct {
	any      bool
	prefixes []netip.Prefix
}

// ParseAllowList accepts entries like "127.0.0.1", "::1", "10.0.0.0/8" or "*".
func ParseAllowList(entries []string) (*AllowList, error) {
	l := &AllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "":
			continue
		case e == "*":
			l.any = true
		case strings.Contains(e, "/"):
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("allow list entry %q: %w", e, err)
			}
			l.prefixes = append(l.prefixes, p.Masked())
		default:
			a, err := netip.ParseAddr(e)
			if err != nil {
				return nil, fmt.Errorf("allow list entry %q: %w", e, err)
			}
			a = a.Unmap()
			l.prefixes = append(l.prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	if !l.any && len(l.prefixes) == 0 {
		return nil, fmt.Errorf("allow list is empty")
	}
	return l, nil
}

func (l *AllowList) AllowsAll() bool { return l.any }

// Allowed reports whether ip (textual, as from gin's ClientIP) may connect.
// Unparseable addresses are denied.
func (l *AllowList) Allowed(ip string) bool {
	if l.any {
		return true
	}
	a, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	a = a.Unmap().WithZone("")
	for _, p := range l.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Middleware rejects clients outside the list with 403. ClientIP only honors
// forwarding headers from the engine's trusted proxies.
func Middleware(l *AllowList, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.Allowed(ip) {
			log.Warn("client denied", zap.String("ip", ip), zap.String("path", c.Request.URL.Path))
			deny(c)
			return
		}
		c.Next()
	}
}

func deny(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"status":  "error",
		"message": "Access denied",
	})
}
