package file

// Test fixture constants.
const (
	testFileName    = "test.txt"
	testFileSize    = 2500
	testBlockSize   = 1024
	testSubdir      = "sub"
	testOutsideName = "secret.txt"
)
