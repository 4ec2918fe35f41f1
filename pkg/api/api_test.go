// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	checkV1 "gopkg.in/check.v1"

	"iscsitarget/pkg/iscsi_target"
	"iscsitarget/pkg/scsi"
)

func Test(t *testing.T) { checkV1.TestingT(t) }

const testTargetName = "iqn.2018-01.com.example:disk"

type ApiSuite struct {
	driver   *iscsi_target.ISCSITargetDriver
	registry *prometheus.Registry
	server   *httptest.Server
	client   ClientRequester
}

var _ = checkV1.Suite(&ApiSuite{})

func (s *ApiSuite) SetUpTest(c *checkV1.C) {
	config := iscsi_target.DefaultConfig()
	config.Portals = []string{"127.0.0.1:3260"}
	config.NopInterval = 0
	driver, err := iscsi_target.NewISCSITargetDriver(config, scsi.NewSCSITargetService())
	c.Assert(err, checkV1.IsNil)
	s.driver = driver
	s.registry = prometheus.NewRegistry()
	c.Assert(iscsi_target.RegisterMetrics(s.registry), checkV1.IsNil)
	apiServer := NewApiServer(driver, 512, "", s.registry)
	s.server = httptest.NewServer(apiServer.Router())
	s.client = NewApiRequester(strings.TrimPrefix(s.server.URL, "http://"))
}

func (s *ApiSuite) TearDownTest(c *checkV1.C) {
	s.server.Close()
	c.Assert(s.driver.Close(), checkV1.IsNil)
}

func statusOf(c *checkV1.C, err error) int {
	var failed *ErrApiRequestFailed
	c.Assert(errors.As(err, &failed), checkV1.Equals, true, checkV1.Commentf("%v", err))
	return failed.statusCode
}

func (s *ApiSuite) TestTargetLifecycle(c *checkV1.C) {
	c.Assert(s.client.PerformAddTarget(testTargetName), checkV1.IsNil)
	c.Assert(statusOf(c, s.client.PerformAddTarget(testTargetName)), checkV1.Equals, http.StatusConflict)

	first, err := s.client.PerformAttach(testTargetName, "ram:1MiB", 0)
	c.Assert(err, checkV1.IsNil)
	c.Assert(first.LogicalUnitId, checkV1.Equals, uint64(0))
	second, err := s.client.PerformAttach(testTargetName, "ram:2MiB", 4096)
	c.Assert(err, checkV1.IsNil)
	c.Assert(second.LogicalUnitId, checkV1.Equals, uint64(1))

	list, err := s.client.PerformList()
	c.Assert(err, checkV1.IsNil)
	target, ok := (*list)[testTargetName]
	c.Assert(ok, checkV1.Equals, true)
	c.Assert(target.HasConnections, checkV1.Equals, false)
	c.Assert(target.LogicalUnits, checkV1.HasLen, 2)
	c.Assert(target.LogicalUnits[0].Backend, checkV1.Equals, "ram")
	c.Assert(target.LogicalUnits[0].BlockLength, checkV1.Equals, uint32(512))
	c.Assert(target.LogicalUnits[0].Size, checkV1.Equals, uint64(1<<20))
	c.Assert(target.LogicalUnits[1].BlockLength, checkV1.Equals, uint32(4096))
	c.Assert(target.LogicalUnits[1].Size, checkV1.Equals, uint64(2<<20))
	c.Assert(list.ToCmdlineOutput(), checkV1.Matches, "(?s).*Target: "+testTargetName+".*")

	_, err = s.client.PerformDetachLun(testTargetName, 1)
	c.Assert(err, checkV1.IsNil)
	c.Assert(statusOf(c, errOnly(s.client.PerformDetachLun(testTargetName, 1))), checkV1.Equals, http.StatusConflict)

	// a target with LUNs cannot go away
	c.Assert(statusOf(c, s.client.PerformDeleteTarget(testTargetName)), checkV1.Equals, http.StatusConflict)
	cleared, err := s.client.PerformClearTarget(testTargetName)
	c.Assert(err, checkV1.IsNil)
	c.Assert(cleared.FreedDevices, checkV1.HasLen, 1)
	c.Assert(s.client.PerformDeleteTarget(testTargetName), checkV1.IsNil)

	list, err = s.client.PerformList()
	c.Assert(err, checkV1.IsNil)
	c.Assert(*list, checkV1.HasLen, 0)
}

func errOnly[T any](_ T, err error) error {
	return err
}

func (s *ApiSuite) TestMissingTarget(c *checkV1.C) {
	_, err := s.client.PerformAttach("iqn.2018-01.com.example:missing", "ram:1MiB", 0)
	c.Assert(statusOf(c, err), checkV1.Equals, http.StatusNotFound)
	c.Assert(statusOf(c, s.client.PerformDeleteTarget("iqn.2018-01.com.example:missing")),
		checkV1.Equals, http.StatusNotFound)
	c.Assert(statusOf(c, errOnly(s.client.PerformClearTarget("iqn.2018-01.com.example:missing"))),
		checkV1.Equals, http.StatusNotFound)
}

func (s *ApiSuite) TestBadRequests(c *checkV1.C) {
	c.Assert(s.client.PerformAddTarget(testTargetName), checkV1.IsNil)
	_, err := s.client.PerformAttach(testTargetName, "floppy:1", 0)
	c.Assert(statusOf(c, err), checkV1.Equals, http.StatusBadRequest)
	c.Assert(statusOf(c, s.client.PerformAddTarget("")), checkV1.Equals, http.StatusBadRequest)

	response, err := http.Post(s.server.URL+"/v1/targets", "application/json",
		strings.NewReader(`{"target_name": "iqn.x", "bogus": 1}`))
	c.Assert(err, checkV1.IsNil)
	defer response.Body.Close()
	c.Assert(response.StatusCode, checkV1.Equals, http.StatusBadRequest)

	request, err := http.NewRequest(http.MethodDelete, s.server.URL+"/v1/targets/"+testTargetName+"/luns/zero", nil)
	c.Assert(err, checkV1.IsNil)
	deleted, err := http.DefaultClient.Do(request)
	c.Assert(err, checkV1.IsNil)
	defer deleted.Body.Close()
	c.Assert(deleted.StatusCode, checkV1.Equals, http.StatusBadRequest)
}

func (s *ApiSuite) TestUnknownRoute(c *checkV1.C) {
	response, err := http.Get(s.server.URL + "/v2/targets")
	c.Assert(err, checkV1.IsNil)
	defer response.Body.Close()
	c.Assert(response.StatusCode, checkV1.Equals, http.StatusNotFound)
	c.Assert(response.Header.Get("Content-Type"), checkV1.Equals, "application/json")
}

func (s *ApiSuite) TestAllowedInitiators(c *checkV1.C) {
	c.Assert(s.client.PerformAddTarget(testTargetName), checkV1.IsNil)
	c.Assert(s.client.PerformSetAllowedInitiators(testTargetName, []string{"10.0.0.0/8", "192.168.1.1"}),
		checkV1.IsNil)
	list, err := s.client.PerformList()
	c.Assert(err, checkV1.IsNil)
	c.Assert((*list)[testTargetName].AllowedInitiators, checkV1.DeepEquals,
		[]string{"10.0.0.0/8", "192.168.1.1/32"})

	err = s.client.PerformSetAllowedInitiators(testTargetName, []string{"somewhere"})
	c.Assert(statusOf(c, err), checkV1.Equals, http.StatusBadRequest)

	c.Assert(s.client.PerformSetAllowedInitiators(testTargetName, nil), checkV1.IsNil)
	list, err = s.client.PerformList()
	c.Assert(err, checkV1.IsNil)
	c.Assert((*list)[testTargetName].AllowedInitiators, checkV1.HasLen, 0)
}

func (s *ApiSuite) TestNoSessions(c *checkV1.C) {
	sessions, err := s.client.PerformListSessions()
	c.Assert(err, checkV1.IsNil)
	c.Assert(*sessions, checkV1.HasLen, 0)
	c.Assert(sessions.ToCmdlineOutput(), checkV1.Not(checkV1.Equals), "")
}

func (s *ApiSuite) TestMetrics(c *checkV1.C) {
	response, err := http.Get(s.server.URL + "/metrics")
	c.Assert(err, checkV1.IsNil)
	defer response.Body.Close()
	c.Assert(response.StatusCode, checkV1.Equals, http.StatusOK)
	body, err := io.ReadAll(response.Body)
	c.Assert(err, checkV1.IsNil)
	c.Assert(string(body), checkV1.Matches, "(?s).*iscsi_target_connections_refused_total.*")
}

func (s *ApiSuite) TestServeOnUnixSocket(c *checkV1.C) {
	address := unixPrefix + filepath.Join(c.MkDir(), "api.sock")
	server := NewApiServer(s.driver, 512, address, s.registry)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- server.Run(ctx) }()

	client := NewApiRequester(address)
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := client.PerformAddTarget(testTargetName)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("API did not come up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	list, err := client.PerformList()
	c.Assert(err, checkV1.IsNil)
	c.Assert(*list, checkV1.HasLen, 1)

	cancel()
	c.Assert(<-stopped, checkV1.IsNil)
}
