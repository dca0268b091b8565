package common

import "errors"

var (
	ErrIO          = errors.New("i/o error")
	ErrNoInodes    = errors.New("inode table full")
	ErrNoSpace     = errors.New("no space left on device")
	ErrNotDir      = errors.New("not a directory")
	ErrIsDir       = errors.New("is a directory")
	ErrNotFound    = errors.New("no such file or directory")
	ErrExists      = errors.New("file exists")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrBadFs       = errors.New("bad superblock")
	ErrNoFs        = errors.New("no such filesystem")
	ErrFileTooBig  = errors.New("file too large")
	ErrNameTooLong = errors.New("file name too long")
	ErrNoDev       = errors.New("no such device")
	ErrBusy        = errors.New("resource busy")
	ErrInval       = errors.New("invalid argument")
)
