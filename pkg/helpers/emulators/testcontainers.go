package emulators

import "google.golang.org/api/option"

// ImageContainer names an emulator image and the ports it listens on.
type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

// GCImageContainer is an ImageContainer for a Google Cloud emulator.
type GCImageContainer struct {
	ImageContainer
	ProjectID       string
	SetEnvVariables bool
}

// EmulatorConnectionInfo is what a test needs to reach a started emulator.
type EmulatorConnectionInfo struct {
	// EmulatorAddress is a broker or database URL, e.g. tcp://localhost:32768.
	EmulatorAddress string
	// DSN is the native driver DSN of a database emulator, for direct queries.
	DSN string
	// ClientOptions connect Google Cloud clients to the emulator.
	ClientOptions []option.ClientOption
}
