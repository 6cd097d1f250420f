package cookieauth

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	chunkSize   = 4050
	chunkPrefix = "chunks-"
)

func chunkName(name string, i int) string {
	return name + "C" + strconv.Itoa(i)
}

func chunkCount(value string) int {
	if !strings.HasPrefix(value, chunkPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(value, chunkPrefix))
	if err != nil || n < 1 {
		return 0
	}
	return n
}

// readCookie reassembles a possibly chunked cookie. Missing chunks yield "".
func (s *Scheme) readCookie(r *http.Request) string {
	c, err := r.Cookie(s.opts.CookieName)
	if err != nil {
		return ""
	}
	n := chunkCount(c.Value)
	if n == 0 {
		return c.Value
	}
	var b strings.Builder
	for i := 1; i <= n; i++ {
		part, err := r.Cookie(chunkName(s.opts.CookieName, i))
		if err != nil {
			return ""
		}
		b.WriteString(part.Value)
	}
	return b.String()
}

// writeCookie sets value, splitting it into chunks when too large, and
// expires chunks left over from a previous larger value.
func (s *Scheme) writeCookie(w http.ResponseWriter, r *http.Request, value string, expires time.Time) {
	maxAge := 1
	if d := expires.Sub(s.now()); d > time.Second {
		maxAge = int((d + time.Second - 1) / time.Second)
	}

	count := 0
	if len(value) <= chunkSize {
		http.SetCookie(w, s.cookie(s.opts.CookieName, value, maxAge, expires))
	} else {
		count = (len(value) + chunkSize - 1) / chunkSize
		http.SetCookie(w, s.cookie(s.opts.CookieName, chunkPrefix+strconv.Itoa(count), maxAge, expires))
		for i := 1; i <= count; i++ {
			end := i * chunkSize
			if end > len(value) {
				end = len(value)
			}
			http.SetCookie(w, s.cookie(chunkName(s.opts.CookieName, i), value[(i-1)*chunkSize:end], maxAge, expires))
		}
	}
	s.expireChunks(w, r, count)
}

// deleteCookie expires the cookie and every chunk sent with the request.
func (s *Scheme) deleteCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.cookie(s.opts.CookieName, "", -1, time.Unix(0, 0)))
	s.expireChunks(w, r, 0)
}

func (s *Scheme) expireChunks(w http.ResponseWriter, r *http.Request, keep int) {
	c, err := r.Cookie(s.opts.CookieName)
	if err != nil {
		return
	}
	for i := keep + 1; i <= chunkCount(c.Value); i++ {
		http.SetCookie(w, s.cookie(chunkName(s.opts.CookieName, i), "", -1, time.Unix(0, 0)))
	}
}

func (s *Scheme) cookie(name, value string, maxAge int, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     s.opts.Path,
		Domain:   s.opts.Domain,
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: s.opts.SameSite,
	}
}
