// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/logger"
)

const (
	DefaultAddress = "unix:/tmp/iscsitarget.sock"

	unixPrefix      = "unix:"
	shutdownTimeout = 5 * time.Second
)

type DemonApiServer struct {
	handler  *DemonApiHandler
	address  string
	gatherer prometheus.Gatherer
}

// NewApiServer serves the management API on address, either
// "unix:/path" or "host:port". Metrics come from gatherer.
func NewApiServer(
	iscsiTargetDriver *iscsi_target.ISCSITargetDriver,
	defaultBlockLength uint32,
	address string,
	gatherer prometheus.Gatherer,
) *DemonApiServer {
	return &DemonApiServer{
		handler: &DemonApiHandler{
			iscsiTargetDriver:  iscsiTargetDriver,
			defaultBlockLength: defaultBlockLength,
		},
		address:  address,
		gatherer: gatherer,
	}
}

func (server *DemonApiServer) Router() *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	server.handler.routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(server.gatherer, promhttp.HandlerOpts{}))
	return router
}

func listen(address string) (net.Listener, error) {
	if path := strings.TrimPrefix(address, unixPrefix); path != address {
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}

// Run serves until ctx ends.
func (server *DemonApiServer) Run(ctx context.Context) error {
	listener, err := listen(server.address)
	if err != nil {
		return err
	}
	log := logger.GetLogger()
	accessLog := log.Writer()
	defer accessLog.Close()
	httpServer := &http.Server{
		Handler:           handlers.LoggingHandler(accessLog, server.Router()),
		ReadHeaderTimeout: shutdownTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(err)
		}
	}()
	log.Infof("API listening on %s", server.address)
	err = httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
