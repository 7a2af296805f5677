// Package scripts embeds the per-OS check and install scripts used by the
// service installer. Layout: <ubuntu|centos|windows>/<service>/{check.sh,install.sh}.
package scripts

import (
	"embed"
	"io/fs"
)

//go:embed ubuntu centos windows
var embedded embed.FS

// FS returns the embedded script tree.
func FS() fs.FS { return embedded }
