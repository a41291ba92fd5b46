package server

import (
	"fmt"

	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A Server exposes a running monitor over the network: bug ids are enqueued
// for processing and finished pass reports are polled back out.
type Server interface {
	Init(int, chan<- int, <-chan bugmon.PassReport) error
}

func NewServer(serverType ServerType, port int, ids chan<- int, reports <-chan bugmon.PassReport) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(port, ids, reports)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}
