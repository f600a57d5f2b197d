package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	blockv1 "github.com/rancher/block-orchestrator/pkg/apis/block/v1alpha1"
)

// TestAPISuite runs the facade's behavioral specs through Ginkgo/Gomega,
// the teacher's suite-style test stack, alongside router_test.go's plain
// testing-package cases — this module has no envtest API server to stand up,
// so the suite here exercises httptest.Server instead.
func TestAPISuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Facade Suite")
}

var _ = Describe("the block provisioning facade", func() {
	var (
		srv  *httptest.Server
		node string
	)

	BeforeEach(func() {
		srv, node = newTestServer()
	})

	AfterEach(func() {
		srv.Close()
	})

	It("rejects a replica count above spec.md's bound", func() {
		body, _ := json.Marshal(map[string]interface{}{
			"name": "ginkgo-vol", "node": node, "replicas": 9,
		})
		resp, err := http.Post(srv.URL+"/v1/storage/blocks/provision", "application/json", bytes.NewBuffer(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("provisions a block with the requested node and replica count", func() {
		body, _ := json.Marshal(map[string]interface{}{
			"name": "ginkgo-vol", "node": node, "replicas": 1,
		})
		resp, err := http.Post(srv.URL+"/v1/storage/blocks/provision", "application/json", bytes.NewBuffer(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var block blockv1.Block
		Expect(json.NewDecoder(resp.Body).Decode(&block)).To(Succeed())
		Expect(block.ID).NotTo(BeEmpty())
		Expect(block.Replicas).To(HaveLen(1))
		Expect(block.Node).To(Equal(node))
	})
})
