package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"golang.org/x/term"
)

const (
	// Periodic flush interval for buffered output to pipes/files
	flushInterval = 250 * time.Millisecond
)

var (
	stdoutWriter   io.Writer
	bufferedWriter *bufio.Writer
)

func init() {
	setupOutputBuffering()
}

func setupOutputBuffering() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		stdoutWriter = os.Stdout
	} else {
		bufferedWriter = bufio.NewWriter(os.Stdout)
		stdoutWriter = bufferedWriter
		// Start periodic flushing for non-tty output
		go periodicFlush()
	}
}

func periodicFlush() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for range ticker.C {
		flushOutput()
	}
}

func flushOutput() {
	if bufferedWriter != nil {
		bufferedWriter.Flush()
	}
}

const (
	ENV_AUTH          = "KRUMP_AUTH"
	ENV_BROKERS       = "KRUMP_BROKERS"
	ENV_TOPIC         = "KRUMP_TOPIC"
	ENV_CONFIG        = "KRUMP_CONFIG"
	ENV_ENVIRONMENT   = "KRUMP_ENVIRONMENT"
	ENV_KAFKA_VERSION = "KRUMP_KAFKA_VERSION"
)

var invalidClientIDCharactersRegExp = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

type baseCmd struct {
	Pretty          bool     `help:"Control output pretty printing." default:"true" negatable:""`
	Verbose         bool     `help:"More verbose logging to stderr."`
	Jq              string   `help:"Apply jq filter to JSON output (e.g., '.value | fromjson | .field')."`
	Raw             bool     `help:"Output raw strings without JSON encoding (like jq -r)."`
	ProtocolVersion string   `help:"Kafka protocol version" env:"KRUMP_KAFKA_VERSION"`
	Brokers         []string `help:"Comma separated list of brokers. Port defaults to 9092 when omitted, the list to localhost:9092." env:"KRUMP_BROKERS"`
	Auth            string   `help:"Path to auth configuration file, can also be set via KRUMP_AUTH env variable." env:"KRUMP_AUTH"`

	jqQuery *gojq.Query
	version sarama.KafkaVersion
	auth    authConfig
}

func (b *baseCmd) prepare() error {
	var err error
	if b.Jq == "" {
		b.jqQuery = nil
	} else {
		if b.jqQuery, err = gojq.Parse(b.Jq); err != nil {
			return fmt.Errorf("failed to parse jq query %q: %v", b.Jq, err)
		}
	}

	b.version, err = chooseKafkaVersion(b.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("failed to read kafka version: %v", err)
	}

	if err = readAuthFile(b.Auth, os.Getenv(ENV_AUTH), &b.auth); err != nil {
		return err
	}

	return nil
}

func (b *baseCmd) infof(msg string, args ...interface{}) {
	if b.Verbose {
		warnf(msg, args...)
	}
}

// addDefaultPorts adds default port 9092 to broker addresses if missing
func (b *baseCmd) addDefaultPorts(brokers []string) []string {
	result := make([]string, len(brokers))
	for i, broker := range brokers {
		host, port, err := net.SplitHostPort(broker)
		if err != nil {
			result[i] = net.JoinHostPort(broker, "9092")
		} else {
			result[i] = net.JoinHostPort(host, port)
		}
	}
	return result
}

func warnf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg, args...)
}

func outf(msg string, args ...interface{}) {
	fmt.Fprintf(stdoutWriter, msg, args...)
}

func logClose(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		warnf("failed to close %#v err=%v", name, err)
	}
}

func chooseKafkaVersion(v string) (sarama.KafkaVersion, error) {
	if v == "" {
		return sarama.V3_0_0_0, nil
	}
	return sarama.ParseKafkaVersion(strings.TrimPrefix(v, "v"))
}

// clientID builds a per-invocation client id so concurrent runs by the same
// operator stay distinguishable in broker logs.
func clientID() string {
	username := "anon"
	if usr, err := user.Current(); err == nil {
		if u := sanitizeUsername(usr.Username); u != "" {
			username = u
		}
	}
	return fmt.Sprintf("krump-%s-%s", username, uuid.NewString()[:8])
}

func sanitizeUsername(u string) string {
	// Windows user may have format "DOMAIN|MACHINE\username", remove domain/machine if present
	s := strings.Split(u, "\\")
	u = s[len(s)-1]
	// Windows account can contain spaces or other special characters not supported
	// in client ID. Keep the bare minimum and ditch the rest.
	return invalidClientIDCharactersRegExp.ReplaceAllString(u, "")
}

type printContext struct {
	output object
	done   chan struct{}
	cmd    baseCmd
}

func print(in <-chan printContext, pretty bool) {
	marshal := json.Marshal
	if pretty && term.IsTerminal(int(syscall.Stdout)) {
		marshal = func(i interface{}) ([]byte, error) { return json.MarshalIndent(i, "", "  ") }
	}
	for {
		ctx := <-in

		if q := ctx.cmd.jqQuery; q != nil {
			if output, multi, err := applyJqFilter(q, ctx.output); err != nil {
				warnf("failed to apply jq filter: %v\n", err)
				return
			} else if multi {
				for _, item := range output.([]any) {
					if err := printOutput(item, marshal, ctx.cmd.Raw); err != nil {
						warnf("failed to print output: %v\n", err)
						return
					}
				}
			} else {
				if err := printOutput(output, marshal, ctx.cmd.Raw); err != nil {
					warnf("failed to print output: %v\n", err)
					return
				}
			}
		} else {
			if err := printOutput(ctx.output, marshal, ctx.cmd.Raw); err != nil {
				warnf("failed to print output: %v\n", err)
				return
			}
		}
		close(ctx.done)
	}
}

func printOutput(output any, marshal func(any) ([]byte, error), raw bool) error {
	if raw {
		switch output := output.(type) {
		case []byte:
			stdoutWriter.Write(output)
			stdoutWriter.Write([]byte{'\n'})
			return nil
		case string:
			io.WriteString(stdoutWriter, output)
			io.WriteString(stdoutWriter, "\n")
			return nil
		case *string:
			io.WriteString(stdoutWriter, *output)
			io.WriteString(stdoutWriter, "\n")
			return nil
		}
	}
	buf, err := marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output %#v, err=%v", output, err)
	}
	stdoutWriter.Write(buf)
	stdoutWriter.Write([]byte{'\n'})
	return nil
}

type object interface {
	ToMap() map[string]any
}

type mapObject map[string]any

func (o mapObject) ToMap() map[string]any {
	return map[string]any(o)
}

// ptrToValue converts a pointer to its value if not nil, otherwise returns nil
func ptrToValue[T any](ptr *T) any {
	if ptr != nil {
		return *ptr
	}
	return nil
}

// Apply the filter using the cached compiled query
func applyJqFilter(q *gojq.Query, input object) (any, bool, error) {
	iter := q.Run(input.ToMap())
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, false, fmt.Errorf("jq execution error: %v", err)
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, false, nil
	case 1:
		return results[0], false, nil
	default:
		return results, true, nil
	}
}

func failf(msg string, args ...interface{}) {
	exitf(1, msg, args...)
}

func exitf(code int, msg string, args ...interface{}) {
	if code == 0 {
		outf(msg+"\n", args...)
	} else {
		warnf(msg+"\n", args...)
	}
	flushOutput()
	os.Exit(code)
}

type authConfig struct {
	Mode              string `json:"mode"`
	CACert            string `json:"ca-certificate"`
	ClientCert        string `json:"client-certificate"`
	ClientCertKey     string `json:"client-certificate-key"`
	SASLPlainUser     string `json:"sasl_plain_user"`
	SASLPlainPassword string `json:"sasl_plain_password"`
}

func setupAuth(auth authConfig, saramaCfg *sarama.Config) error {
	if auth.Mode == "" {
		return nil
	}

	switch auth.Mode {
	case "TLS":
		return setupAuthTLS(auth, saramaCfg)
	case "TLS-1way":
		return setupAuthTLS1Way(auth, saramaCfg)
	case "SASL", "SASL-SCRAM-SHA-256", "SASL-SCRAM-SHA-512":
		return setupSASL(auth, saramaCfg)
	case "SASL_SSL", "TLS-1way-SASL":
		// Setup TLS encryption first
		if err := setupAuthTLS1Way(auth, saramaCfg); err != nil {
			return err
		}
		// Then add SASL authentication
		return setupSASL(auth, saramaCfg)
	default:
		return fmt.Errorf("unsupported auth mode: %#v", auth.Mode)
	}
}

func setupSASL(auth authConfig, saramaCfg *sarama.Config) error {
	saramaCfg.Net.SASL.Enable = true
	saramaCfg.Net.SASL.User = auth.SASLPlainUser
	saramaCfg.Net.SASL.Password = auth.SASLPlainPassword
	switch auth.Mode {
	case "SASL-SCRAM-SHA-256":
		saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = scramSHA256Client
	case "SASL-SCRAM-SHA-512":
		saramaCfg.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		saramaCfg.Net.SASL.SCRAMClientGeneratorFunc = scramSHA512Client
	}
	return nil
}

func setupAuthTLS1Way(auth authConfig, saramaCfg *sarama.Config) error {
	saramaCfg.Net.TLS.Enable = true
	saramaCfg.Net.TLS.Config = &tls.Config{}

	if auth.CACert == "" {
		return nil
	}

	caString, err := os.ReadFile(auth.CACert)
	if err != nil {
		return fmt.Errorf("failed to read ca-certificate err=%v", err)
	}

	caPool := x509.NewCertPool()
	ok := caPool.AppendCertsFromPEM(caString)
	if !ok {
		return fmt.Errorf("unable to add ca-certificate at %s to certificate pool", auth.CACert)
	}

	tlsCfg := &tls.Config{RootCAs: caPool}
	saramaCfg.Net.TLS.Config = tlsCfg
	return nil
}

func setupAuthTLS(auth authConfig, saramaCfg *sarama.Config) error {
	if auth.CACert == "" || auth.ClientCert == "" || auth.ClientCertKey == "" {
		return fmt.Errorf("client-certificate, client-certificate-key and ca-certificate are required - got auth=%#v", auth)
	}

	caString, err := os.ReadFile(auth.CACert)
	if err != nil {
		return fmt.Errorf("failed to read ca-certificate err=%v", err)
	}

	caPool := x509.NewCertPool()
	ok := caPool.AppendCertsFromPEM(caString)
	if !ok {
		return fmt.Errorf("unable to add ca-certificate at %s to certificate pool", auth.CACert)
	}

	clientCert, err := tls.LoadX509KeyPair(auth.ClientCert, auth.ClientCertKey)
	if err != nil {
		return err
	}

	tlsCfg := &tls.Config{RootCAs: caPool, Certificates: []tls.Certificate{clientCert}}
	saramaCfg.Net.TLS.Enable = true
	saramaCfg.Net.TLS.Config = tlsCfg

	return nil
}

func qualifyPath(argFN string, target *string) {
	if *target != "" && !filepath.IsAbs(*target) && filepath.Dir(*target) == "." {
		*target = filepath.Join(filepath.Dir(argFN), *target)
	}
}

func readAuthFile(argFN string, envFN string, target *authConfig) error {
	if argFN == "" && envFN == "" {
		return nil
	}

	fn := argFN
	if fn == "" {
		fn = envFN
	}

	b, err := os.ReadFile(fn)
	if err != nil {
		return fmt.Errorf("failed to read auth file err=%v", err)
	}

	if err := json.Unmarshal(b, target); err != nil {
		return fmt.Errorf("failed to unmarshal auth file err=%v", err)
	}

	qualifyPath(fn, &target.CACert)
	qualifyPath(fn, &target.ClientCert)
	qualifyPath(fn, &target.ClientCertKey)
	return nil
}
