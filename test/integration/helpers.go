package integration

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"TrustMesh/client"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Node represents a running TrustMesh node process.
type Node struct {
	index    int                // index is the node's position in the cluster
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the mesh address
	dataDir  string             // dataDir is the node's data directory
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
	exited   chan struct{}      // exited is closed when the process exits
}

// HTTPAddr returns the node's HTTP address.
func (n *Node) HTTPAddr() string { return n.httpAddr }

// IsRunning checks if the node process is alive and started successfully.
func (n *Node) IsRunning() bool {
	if n.cmd == nil || n.cmd.Process == nil {
		return false
	}

	select {
	case <-n.exited:
		return false
	default:
	}

	return strings.Contains(n.stdout.String(), "starting TrustMesh node")
}

// Logs returns the node's stdout output.
func (n *Node) Logs() string { return n.stdout.String() }

// LogContains checks if the node's logs contain a substring.
func (n *Node) LogContains(s string) bool {
	return strings.Contains(n.stdout.String(), s)
}

// Stop terminates the node process and waits for it to exit.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}

	if n.exited != nil {
		select {
		case <-n.exited:
		case <-time.After(5 * time.Second):
		}
	}
}

// clusterOpts holds configuration for a Cluster.
type clusterOpts struct {
	redisURL    string   // redisURL switches every node to the external transport
	noMesh      bool     // noMesh disables the embedded mesh
	line        bool     // line connects node i only to node i-1
	admins      []string // admins are passed to every node
	loginSecret string   // loginSecret enables the login route
}

// ClusterOption configures cluster behavior.
type ClusterOption func(*clusterOpts)

// WithRedis points every node at a Redis server.
func WithRedis(url string) ClusterOption { return func(o *clusterOpts) { o.redisURL = url } }

// WithoutMesh disables the embedded mesh.
func WithoutMesh() ClusterOption { return func(o *clusterOpts) { o.noMesh = true } }

// WithLineTopology connects each node only to its predecessor.
func WithLineTopology() ClusterOption { return func(o *clusterOpts) { o.line = true } }

// WithAdmins grants admin rights to the given pointers on every node.
func WithAdmins(ptrs ...string) ClusterOption {
	return func(o *clusterOpts) { o.admins = append(o.admins, ptrs...) }
}

// WithLoginSecret enables credential issuance on every node.
func WithLoginSecret(s string) ClusterOption { return func(o *clusterOpts) { o.loginSecret = s } }

// Cluster manages a group of nodes.
type Cluster struct {
	t          *testing.T  // t is the test context
	nodes      []*Node     // nodes is the list of running nodes
	binaryPath string      // binaryPath is the compiled node binary
	testDir    string      // testDir is the temporary directory for node data
	opts       clusterOpts // opts is the cluster configuration
}

// NewCluster builds the binary, starts N nodes, waits for their APIs and
// registers cleanup.
func NewCluster(t *testing.T, size int, options ...ClusterOption) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	var opts clusterOpts
	for _, o := range options {
		o(&opts)
	}

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    t.TempDir(),
		opts:       opts,
	}

	t.Cleanup(c.Stop)

	c.nodes = make([]*Node, size)
	for i := range size {
		c.nodes[i] = c.startNode(i)
	}

	for i := range size {
		c.waitHealthy(i, 20*time.Second)
	}

	return c
}

// startNode starts a single node process.
func (c *Cluster) startNode(index int) *Node {
	c.t.Helper()

	node := &Node{
		index:    index,
		httpAddr: freeTCPAddr(c.t),
		dataDir:  filepath.Join(c.testDir, fmt.Sprintf("node-%d", index)),
		stdout:   &safeBuffer{},
		stderr:   &safeBuffer{},
		exited:   make(chan struct{}),
	}

	if !c.opts.noMesh {
		node.quicAddr = freeUDPAddr(c.t)
	}

	if err := os.MkdirAll(node.dataDir, 0755); err != nil {
		c.t.Fatalf("create node dir %d: %v", index, err)
	}

	args := c.buildNodeArgs(node)

	ctx, cancel := context.WithCancel(context.Background())
	node.cancel = cancel

	node.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	node.cmd.Stdout = node.stdout
	node.cmd.Stderr = node.stderr
	node.cmd.Cancel = func() error { return node.cmd.Process.Signal(os.Interrupt) }
	node.cmd.WaitDelay = 5 * time.Second

	if err := node.cmd.Start(); err != nil {
		c.t.Fatalf("start node %d: %v", index, err)
	}

	go func() {
		node.cmd.Wait()
		close(node.exited)
	}()

	return node
}

// buildNodeArgs constructs command-line arguments for a node.
func (c *Cluster) buildNodeArgs(node *Node) []string {
	args := []string{
		"-data", node.dataDir,
		"-http", node.httpAddr,
		"-quic", node.quicAddr,
		"-log-level", "debug",
	}

	if peers := c.peersOf(node.index); len(peers) > 0 {
		args = append(args, "-peers", strings.Join(peers, ","))
	}

	if c.opts.redisURL != "" {
		args = append(args, "-redis", c.opts.redisURL)
	}

	if len(c.opts.admins) > 0 {
		args = append(args, "-admins", strings.Join(c.opts.admins, ","))
	}

	if c.opts.loginSecret != "" {
		args = append(args, "-login-secret", c.opts.loginSecret)
	}

	return args
}

// peersOf returns the mesh addresses node index dials: its predecessor in
// a line, every earlier node otherwise.
func (c *Cluster) peersOf(index int) []string {
	if c.opts.noMesh || index == 0 {
		return nil
	}

	if c.opts.line {
		return []string{c.nodes[index-1].quicAddr}
	}

	peers := make([]string, 0, index)
	for i := range index {
		peers = append(peers, c.nodes[i].quicAddr)
	}

	return peers
}

// waitHealthy polls GET /health on node i.
func (c *Cluster) waitHealthy(i int, timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cli, err := client.NewClient(c.nodes[i].httpAddr); err == nil && cli.Health() == nil && c.nodes[i].IsRunning() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	c.t.Fatalf("node %d not healthy:\nSTDOUT:\n%s\nSTDERR:\n%s",
		i, c.nodes[i].stdout.String(), c.nodes[i].stderr.String())
}

// Stop stops all nodes in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, node := range c.nodes {
		if node == nil {
			continue
		}

		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(node)
	}

	wg.Wait()
}

// Node returns a node by index.
func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

// Size returns the number of nodes.
func (c *Cluster) Size() int { return len(c.nodes) }

// Client creates a client.Client connected to a node.
func (c *Cluster) Client(nodeIndex int) *client.Client {
	c.t.Helper()

	cli, err := client.NewClient(c.nodes[nodeIndex].httpAddr)
	if err != nil {
		c.t.Fatalf("create client for node %d: %v", nodeIndex, err)
	}

	return cli
}

// freeTCPAddr reserves a loopback TCP port.
func freeTCPAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve tcp port: %v", err)
	}
	defer l.Close()

	return l.Addr().String()
}

// freeUDPAddr reserves a loopback UDP port.
func freeUDPAddr(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve udp port: %v", err)
	}
	defer pc.Close()

	return pc.LocalAddr().String()
}

// buildBinary compiles the node binary.
// Uses a unique temp file per test to avoid races when running tests in parallel.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "trustmesh-node")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/node")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for %s", what)
}
