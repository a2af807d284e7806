package conn

import (
	"net"
	"net/http"

	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/util"
)

type Role string

const (
	RoleDriver Role = "driver"
	RoleViewer Role = "viewer"
)

// Info identifies one websocket connection in log lines.
type Info struct {
	cid   string
	role  Role
	tuple []string
}

func NewInfo(role Role, r *http.Request) *Info {
	sourceip, sourceport, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceip = r.RemoteAddr
	}
	var targetip, targetport string
	if laddr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		targetip, targetport, _ = net.SplitHostPort(laddr.String())
	}
	return &Info{util.GenUUID(), role, []string{sourceip, sourceport, targetip, targetport}}
}

func (c *Info) Cid() string {
	return c.cid
}

func (c *Info) Role() Role {
	return c.role
}

func (c *Info) RemoteIP() string {
	return c.tuple[0]
}

func (c *Info) MarshalObject(e *log.Entry) {
	e.Str("cid", c.cid).Str("role", string(c.role)).Strs("socket", c.tuple)
}
