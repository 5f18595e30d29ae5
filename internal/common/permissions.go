package common

// File permissions used for everything odsflow writes.
const (
	// FilePermissionSecure is used for config, history and log files
	FilePermissionSecure = 0600

	// DirPermissionSecure is used for the config and history directories
	DirPermissionSecure = 0700

	// DirPermissionNormal is used for project directories created by init
	DirPermissionNormal = 0750
)
