package btree

// CloseFile closes the file underneath t so that subsequent writes fail.
func CloseFile(t *Tree) error { return t.f.Close() }
