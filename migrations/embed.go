// Package migrations embeds the tenant schema migrations applied by
// "portal-server migrate up" and "portal-server tenant create".
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
