// Package auth carries the already authenticated caller through context.
// Authentication itself happens outside this module; the capability layer
// only reads the user and organization the request acts for.
package auth

import (
	"strings"
)

// Principal 是一次请求所代表的用户与组织。
type Principal struct {
	UserID         string
	OrganizationID int64
}

// Anonymous 判断是否为未登录的系统调用。
func (p *Principal) Anonymous() bool {
	return p == nil || strings.TrimSpace(p.UserID) == ""
}
