// Package mocks provides gomock implementations of dockq's interfaces.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	runner := mocks.NewMockRunner(ctrl)
//	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(toolchain.Output{}, nil)
package mocks

// Generate mock for Runner interface from internal/toolchain package.
// This creates MockRunner with methods for all Runner interface methods:
// Run
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=runner_mock.go github.com/ChuLiYu/dockq/internal/toolchain Runner
