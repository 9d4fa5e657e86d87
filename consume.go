package main

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/davecgh/go-spew/spew"
)

// tunnelRetryBudget bounds how many tunnel-open attempts a run may spend on
// local port conflicts before giving up.
const tunnelRetryBudget = 10

type consumeCmd struct {
	baseCmd

	Topic             string        `help:"Topic to consume, can also be set via KRUMP_TOPIC env variable." env:"KRUMP_TOPIC"`
	Partitions        []int32       `help:"Partitions to consume. All partitions are discovered when empty."`
	Offset            *int64        `help:"Absolute offset to start at. Negative means the last n messages per partition."`
	Earliest          bool          `help:"Start at the earliest retained offset. This is the default."`
	Latest            bool          `help:"Start at the newest offset and wait for new messages."`
	ReadCount         int64         `help:"Stop after printing this many messages per partition." default:"0"`
	Dump              bool          `help:"Print the messages currently retained, then exit."`
	CountMessages     bool          `help:"Print per-partition message counts instead of consuming."`
	ShowMinMaxOffsets bool          `help:"Append the earliest and newest offsets to count output."`
	PrintOffset       bool          `help:"Prefix every message with its offset."`
	SkipHeader        bool          `help:"Suppress the partition header lines."`
	JSON              bool          `help:"Print messages as JSON objects. Implied by -jq." name:"json"`
	EncodeValue       string        `help:"Present message value as (string|hex|base64) in JSON output." default:"string" enum:"string,hex,base64"`
	EncodeKey         string        `help:"Present message key as (string|hex|base64) in JSON output." default:"string" enum:"string,hex,base64"`
	PollInterval      time.Duration `help:"Sleep between rounds that fetched nothing." default:"1s"`
	Probe             bool          `help:"Discover partitions by probing indices instead of reading cluster metadata." default:"true" negatable:""`
	MaxWaitTime       time.Duration `help:"Longest the broker may hold a fetch waiting for min-bytes." default:"250ms"`
	MinBytes          int32         `help:"Minimum bytes a fetch should wait for." default:"1"`
	FetchSize         int32         `help:"Maximum bytes fetched per partition per round." default:"1048576"`
	Config            string        `help:"Path to a config file with named environments, can also be set via KRUMP_CONFIG env variable." env:"KRUMP_CONFIG"`
	Environment       string        `help:"Environment to select from the config file, can also be set via KRUMP_ENVIRONMENT env variable." env:"KRUMP_ENVIRONMENT"`
	Gateway           string        `help:"SSH gateway to tunnel broker connections through. No tunnel when unset."`
	GatewayUser       string        `help:"User for the SSH gateway."`
	GatewayHostname   string        `help:"Dial address of the SSH gateway when it differs from its name."`
	IdentityFile      string        `help:"Private key file for the SSH gateway."`

	spec     offsetSpec
	tuning   fetchTuning
	client   sarama.Client
	opener   consumerOpener
	lister   partitionLister
	tunnels  tunnelOpener
	ports    func() (int, error)
	sleep    func(time.Duration)
	shutdown chan struct{}
}

// partitionReader is the per-partition loop state. messagesRead counts every
// message observed, printed or not; lastFetchSize is only a liveness signal.
type partitionReader struct {
	partition     int32
	handle        partitionHandle
	messagesRead  int64
	lastFetchSize int
}

func (cmd *consumeCmd) prepare() error {
	if cmd.Config != "" {
		cfg, err := readConfigFile(cmd.Config)
		if err != nil {
			return err
		}
		env, err := cfg.environment(cmd.Environment)
		if err != nil {
			return err
		}
		env.apply(cmd)
	} else if cmd.Environment != "" {
		return fmt.Errorf("-environment requires -config")
	}

	if err := cmd.baseCmd.prepare(); err != nil {
		return err
	}

	if cmd.Topic == "" {
		return fmt.Errorf("topic is required, set -topic or %s", ENV_TOPIC)
	}

	if len(cmd.Brokers) == 0 {
		cmd.Brokers = []string{"localhost:9092"}
	}
	cmd.Brokers = cmd.addDefaultPorts(cmd.Brokers)

	if cmd.ReadCount < 0 {
		return fmt.Errorf("read-count must be positive")
	}
	modes := 0
	if cmd.Dump {
		modes++
	}
	if cmd.ReadCount > 0 {
		modes++
	}
	if cmd.CountMessages {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("at most one of -dump, -read-count and -count-messages may be given")
	}

	if cmd.CountMessages && (cmd.Offset != nil || cmd.Earliest || cmd.Latest) {
		return fmt.Errorf("count-messages does not take an offset selection")
	}
	if cmd.ShowMinMaxOffsets && !cmd.CountMessages {
		return fmt.Errorf("show-min-max-offsets only applies to count-messages")
	}

	var err error
	if cmd.spec, err = selectOffsetSpec(cmd.Offset, cmd.Earliest, cmd.Latest); err != nil {
		return err
	}

	if cmd.Jq != "" {
		cmd.JSON = true
	}

	cmd.tuning = fetchTuning{
		maxWaitTime: cmd.MaxWaitTime,
		minBytes:    cmd.MinBytes,
		fetchSize:   cmd.FetchSize,
	}

	if cmd.sleep == nil {
		cmd.sleep = func(d time.Duration) {
			select {
			case <-cmd.shutdown:
			case <-time.After(d):
			}
		}
	}
	if cmd.ports == nil {
		cmd.ports = findOpenPort
	}
	if cmd.tunnels == nil {
		cmd.tunnels = sshTunnelOpener{}
	}
	return nil
}

func (cmd *consumeCmd) run() error {
	cmd.shutdown = make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		cmd.infof("received signal %v - shutting down\n", sig)
		close(cmd.shutdown)
	}()

	if err := cmd.prepare(); err != nil {
		return err
	}
	if cmd.Verbose {
		sarama.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	select {
	case <-cmd.shutdown:
		return nil
	default:
	}
	return cmd.runWithTunnel(tunnelRetryBudget)
}

// runWithTunnel wraps the consumption run in the gateway tunnel when one is
// configured. The broker list is rewritten to the tunnel's local ports before
// the first attempt; conflict retries patch it further.
func (cmd *consumeCmd) runWithTunnel(budget int) error {
	if cmd.Gateway == "" {
		return cmd.consume()
	}

	specs, brokers, err := buildTunnelSpecs(cmd.Brokers, cmd.ports)
	if err != nil {
		return err
	}
	cmd.Brokers = brokers
	return cmd.attemptTunneledRun(specs, budget)
}

// attemptTunneledRun opens the tunnel and runs the consumption inside it.
// When the open fails because a local port is taken, the port is replaced in
// both the broker list and the tunnel specs and the attempt repeats with a
// decremented budget. Each attempt's budget arrives as a parameter so no
// retry state outlives the call chain.
func (cmd *consumeCmd) attemptTunneledRun(specs []tunnelSpec, budget int) error {
	gw := gatewayConfig{
		Name:         cmd.Gateway,
		User:         cmd.GatewayUser,
		Hostname:     cmd.GatewayHostname,
		IdentityFile: cmd.IdentityFile,
	}

	tunnel, err := cmd.tunnels.open(gw, specs)
	var inUse *addrInUseError
	if errors.As(err, &inUse) {
		if budget <= 1 {
			return fmt.Errorf("tunnel retry budget exhausted err=%v", err)
		}
		fresh, perr := cmd.ports()
		if perr != nil {
			return fmt.Errorf("failed to find a replacement port err=%v", perr)
		}
		cmd.infof("local port %d in use, moving tunnel to port %d\n", inUse.Port, fresh)
		reassignPort(cmd.Brokers, specs, inUse.Port, fresh)
		return cmd.attemptTunneledRun(specs, budget-1)
	}
	if err != nil {
		return err
	}
	defer logClose("tunnel", tunnel)

	return cmd.consume()
}

func (cmd *consumeCmd) consume() error {
	if cmd.opener == nil {
		if err := cmd.setupClient(); err != nil {
			return err
		}
		cmd.opener = newSaramaOpener(cmd.client, cmd.tuning)
	}
	defer logClose("consumer", cmd.opener)

	partitions, err := cmd.resolvePartitions()
	if err != nil {
		return err
	}
	if len(partitions) == 0 {
		warnf("found no partitions for topic %v\n", cmd.Topic)
		return nil
	}
	cmd.infof("consuming partitions %v of topic %v from %v\n", partitions, cmd.Topic, cmd.spec)

	if cmd.CountMessages {
		return cmd.countMessages(partitions)
	}
	return cmd.consumePartitions(partitions)
}

func (cmd *consumeCmd) setupClient() error {
	cfg := sarama.NewConfig()
	cfg.Version = cmd.version
	cfg.ClientID = clientID()
	// A metadata request for a topic the broker does not know must come back
	// as unknown, not create it. Partition discovery depends on that.
	cfg.Metadata.AllowAutoTopicCreation = false
	cmd.infof("sarama client configuration %s\n", spew.Sdump(cfg))

	if err := setupAuth(cmd.auth, cfg); err != nil {
		return fmt.Errorf("failed to setup auth err=%v", err)
	}

	var err error
	if cmd.client, err = sarama.NewClient(cmd.Brokers, cfg); err != nil {
		return fmt.Errorf("failed to create client err=%v", err)
	}
	return nil
}

// resolvePartitions returns the explicit partition list when one was given,
// sorted and deduplicated, and otherwise discovers the topic's partitions.
func (cmd *consumeCmd) resolvePartitions() ([]int32, error) {
	if len(cmd.Partitions) > 0 {
		out := slices.Clone(cmd.Partitions)
		slices.Sort(out)
		return slices.Compact(out), nil
	}

	lister := cmd.lister
	if lister == nil {
		if cmd.Probe {
			lister = &probeLister{opener: cmd.opener}
		} else {
			lister = &metadataLister{client: cmd.client}
		}
	}
	return lister.listPartitions(cmd.Topic)
}

// countMessages reports the snapshot message count per partition as the
// distance between an Earliest- and a Latest-resolved handle. The print
// path's cursors are never involved.
func (cmd *consumeCmd) countMessages(partitions []int32) error {
	out := make(chan printContext)
	if cmd.JSON {
		go print(out, cmd.Pretty)
	}

	for _, p := range partitions {
		earliest, err := cmd.opener.Open(cmd.Topic, p, earliestSpec())
		if err != nil {
			return fmt.Errorf("failed to open partition %d err=%v", p, err)
		}
		latest, err := cmd.opener.Open(cmd.Topic, p, latestSpec())
		if err != nil {
			logClose(fmt.Sprintf("earliest handle for partition %d", p), earliest)
			return fmt.Errorf("failed to open partition %d err=%v", p, err)
		}

		earliestOffset, latestOffset := earliest.NextOffset(), latest.NextOffset()
		count := latestOffset - earliestOffset

		if cmd.JSON {
			o := partitionCount{Topic: cmd.Topic, Partition: p, Count: count}
			if cmd.ShowMinMaxOffsets {
				o.Earliest = &earliestOffset
				o.Latest = &latestOffset
			}
			pctx := printContext{output: o, done: make(chan struct{}), cmd: cmd.baseCmd}
			out <- pctx
			<-pctx.done
		} else if cmd.ShowMinMaxOffsets {
			outf("%v | Partition %v | %v messages (%v, %v)\n", cmd.Topic, p, count, earliestOffset, latestOffset)
		} else {
			outf("%v | Partition %v | %v messages\n", cmd.Topic, p, count)
		}

		logClose(fmt.Sprintf("earliest handle for partition %d", p), earliest)
		logClose(fmt.Sprintf("latest handle for partition %d", p), latest)
	}
	return nil
}

func (cmd *consumeCmd) consumePartitions(partitions []int32) error {
	readers := make([]*partitionReader, 0, len(partitions))
	for _, p := range partitions {
		handle, err := cmd.opener.Open(cmd.Topic, p, cmd.spec)
		if err != nil {
			closeReaders(readers)
			return fmt.Errorf("failed to open partition %d err=%v", p, err)
		}
		cmd.infof("partition %d starting at offset %d\n", p, handle.NextOffset())
		readers = append(readers, &partitionReader{partition: p, handle: handle})
	}
	defer closeReaders(readers)

	return cmd.fetchLoop(readers)
}

func closeReaders(readers []*partitionReader) {
	for _, r := range readers {
		logClose(fmt.Sprintf("handle for partition %d", r.partition), r.handle)
	}
}

// fetchLoop drives rounds across the readers until the configured policy
// says stop. Readers are visited strictly in slice order, so interleaving is
// deterministic for deterministic fetches. A round that fetched nothing
// anywhere sleeps one poll interval before the next; a productive round goes
// straight on.
func (cmd *consumeCmd) fetchLoop(readers []*partitionReader) error {
	out := make(chan printContext)
	if cmd.JSON {
		go print(out, cmd.Pretty)
	}

	for {
		select {
		case <-cmd.shutdown:
			return nil
		default:
		}

		fetched := 0
		for _, r := range readers {
			n, err := cmd.consumeRound(out, r)
			if err != nil {
				return err
			}
			fetched += n
		}

		switch {
		case cmd.ReadCount > 0:
			if allCapped(readers, cmd.ReadCount) {
				return nil
			}
		case cmd.Dump:
			if fetched == 0 {
				return nil
			}
		}

		if fetched == 0 {
			cmd.sleep(cmd.PollInterval)
		}
	}
}

// consumeRound performs one fetch for one reader and prints what it may.
// Reaching the read-count cap stops output only: the fetch cursor and the
// tally keep advancing so the round-level termination check sees progress.
func (cmd *consumeCmd) consumeRound(out chan printContext, r *partitionReader) (int, error) {
	msgs, err := r.handle.Fetch()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch from partition %d err=%v", r.partition, err)
	}
	r.lastFetchSize = len(msgs)
	if len(msgs) == 0 {
		return 0, nil
	}

	if !cmd.SkipHeader && !cmd.JSON {
		outf("===== Topic: %v = Partition: %v =======\n", cmd.Topic, r.partition)
	}

	for _, m := range msgs {
		if cmd.ReadCount == 0 || r.messagesRead < cmd.ReadCount {
			cmd.printMessage(out, r.partition, m)
		}
		r.messagesRead++
	}
	return len(msgs), nil
}

func allCapped(readers []*partitionReader, limit int64) bool {
	for _, r := range readers {
		if r.messagesRead < limit {
			return false
		}
	}
	return true
}

func (cmd *consumeCmd) printMessage(out chan printContext, partition int32, m brokerMessage) {
	if cmd.JSON {
		msg := newConsumedMessage(partition, m, cmd.EncodeKey, cmd.EncodeValue)
		pctx := printContext{output: msg, done: make(chan struct{}), cmd: cmd.baseCmd}
		out <- pctx
		<-pctx.done
		return
	}

	if cmd.PrintOffset {
		outf("%v | %s\n", m.Offset, m.Value)
	} else {
		outf("%s\n", m.Value)
	}
}

type consumedMessage struct {
	Partition int32      `json:"partition"`
	Offset    int64      `json:"offset"`
	Key       *string    `json:"key"`
	Value     *string    `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (c consumedMessage) ToMap() map[string]any {
	m := map[string]any{
		"partition": c.Partition,
		"offset":    c.Offset,
		"key":       ptrToValue(c.Key),
		"value":     ptrToValue(c.Value),
	}
	if c.Timestamp != nil {
		m["timestamp"] = c.Timestamp.Format(time.RFC3339Nano)
	}
	return m
}

func newConsumedMessage(partition int32, m brokerMessage, encodeKey, encodeValue string) consumedMessage {
	result := consumedMessage{
		Partition: partition,
		Offset:    m.Offset,
		Key:       encodeBytes(m.Key, encodeKey),
		Value:     encodeBytes(m.Value, encodeValue),
	}
	if !m.Timestamp.IsZero() {
		ts := m.Timestamp
		result.Timestamp = &ts
	}
	return result
}

func encodeBytes(data []byte, encoding string) *string {
	if data == nil {
		return nil
	}

	var str string
	switch encoding {
	case "hex":
		str = hex.EncodeToString(data)
	case "base64":
		str = base64.StdEncoding.EncodeToString(data)
	default:
		str = string(data)
	}

	return &str
}

type partitionCount struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Count     int64  `json:"count"`
	Earliest  *int64 `json:"earliest,omitempty"`
	Latest    *int64 `json:"latest,omitempty"`
}

func (c partitionCount) ToMap() map[string]any {
	m := map[string]any{
		"topic":     c.Topic,
		"partition": c.Partition,
		"count":     c.Count,
	}
	if c.Earliest != nil {
		m["earliest"] = *c.Earliest
	}
	if c.Latest != nil {
		m["latest"] = *c.Latest
	}
	return m
}

var consumeDocString = fmt.Sprintf(`
The values for -topic and -brokers can also be set via environment variables %s and %s respectively.
The values supplied on the command line win over environment variable values.

The default is to start at the earliest retained offset on every partition of
the topic and keep waiting for new messages. -offset, -earliest and -latest
select a different start position; a negative -offset selects the last n
messages of every partition, clamped to what the broker still retains.

-dump reads whatever the broker currently has and exits, -read-count n stops
after n messages were printed per partition, and -count-messages skips
consumption entirely and reports how many messages each partition holds.

When the brokers are only reachable through a bastion host, -gateway opens an
SSH tunnel with one local forward port per broker and rewrites the broker
list to point at it. A local port that turns out to be taken is replaced with
a fresh one and the tunnel is reopened, up to %d attempts.
`, ENV_TOPIC, ENV_BROKERS, tunnelRetryBudget)
