// Package fs creates the state directory and files of a node with
// restrictive permissions.
package fs

import "os"

const dirPerm = 0700
const filePerm = 0600

// CreateSecureFolder makes sure folder exists, creating it user-only when
// missing. It returns the folder path, or the empty string when it could not
// be created.
func CreateSecureFolder(folder string) string {
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	if err := os.MkdirAll(folder, dirPerm); err != nil {
		return ""
	}
	return folder
}

// CreateSecureFile opens file for writing with read/write permission for the
// owner only, truncating any previous content.
func CreateSecureFile(file string) (*os.File, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, err
	}
	// the umask may have widened the mode on creation
	if err := fd.Chmod(filePerm); err != nil {
		fd.Close()
		return nil, err
	}
	return fd, nil
}
