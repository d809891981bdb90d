package config

// resetHome clears the resolved cache root between tests, which otherwise
// pin it for the life of the process.
func resetHome() {
	resetDirectory()
}
