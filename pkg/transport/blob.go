package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// Retry configuration for blob operations.
const (
	InitialRetryDelay = 50 * time.Millisecond // Starting delay between retries
	MaxRetryDelay     = 3 * time.Second       // Maximum delay between retries
	BackoffFactor     = 1.5                   // Multiplier for exponential backoff
)

// Blob names inside each node's container.
const (
	InboxBlobName    = "inbox"    // incoming datagram mailbox
	ChannelsBlobName = "channels" // advertised open channels
)

// DefaultContainerPrefix marks containers that belong to a blob mesh.
const DefaultContainerPrefix = "gl-"

// envelope is the msgpack shape of one datagram in a mailbox blob.
type envelope struct {
	From    string   `msgpack:"f"`
	Channel uint16   `msgpack:"c"`
	Frame   []byte   `msgpack:"d"`
	Values  [][]byte `msgpack:"v"`
}

// BlobNode is one endpoint on a mesh backed by Azure Blob Storage. Every
// node owns a container holding a mailbox blob; a datagram is written
// into the recipient's mailbox and cleared once read. Broadcast
// enumerates sibling containers and delivers to the ones advertising the
// target channel. A single poll goroutine feeds subscribed receivers, so
// receivers never run concurrently for the same node.
//
// BlobNode implements Transport.
type BlobNode struct {
	service   azblob.ServiceURL
	container azblob.ContainerURL
	inbox     azblob.BlockBlobURL
	advert    azblob.BlockBlobURL
	prefix    string
	addr      Address
	waits     waitSet

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	channels  map[uint16]bool
	receivers []Receiver
}

// JoinBlobMesh creates this node's container and mailbox blobs under
// service and starts the poll loop. Nodes sharing a service and prefix
// form one mesh.
func JoinBlobMesh(ctx context.Context, service azblob.ServiceURL, prefix string) (*BlobNode, error) {
	if prefix == "" {
		prefix = DefaultContainerPrefix
	}
	addr := prefix + uuid.NewString()
	container := service.NewContainerURL(addr)

	if _, err := container.Create(ctx, azblob.Metadata{}, azblob.PublicAccessNone); err != nil {
		return nil, classifyBlobError(err)
	}

	n := &BlobNode{
		service:   service,
		container: container,
		inbox:     container.NewBlockBlobURL(InboxBlobName),
		advert:    container.NewBlockBlobURL(ChannelsBlobName),
		prefix:    prefix,
		addr:      addr,
		channels:  make(map[uint16]bool),
	}
	n.ctx, n.cancel = context.WithCancel(ctx)

	for _, blob := range []azblob.BlockBlobURL{n.inbox, n.advert} {
		if err := uploadBlob(ctx, blob, nil); err != nil {
			container.Delete(ctx, azblob.ContainerAccessConditions{})
			n.cancel()
			return nil, err
		}
	}

	go n.run()
	return n, nil
}

func (n *BlobNode) Address() Address { return n.addr }

func (n *BlobNode) MaxValues() int { return DefaultMaxValues }

func (n *BlobNode) Open(channel uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channels[channel] {
		return false
	}
	n.channels[channel] = true
	n.advertiseLocked()
	return true
}

func (n *BlobNode) Close(channel uint16) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.channels[channel] {
		return false
	}
	delete(n.channels, channel)
	n.advertiseLocked()
	return true
}

// advertiseLocked publishes the open channel set as a comma separated
// list. Failures are logged: a stale advert only costs broadcasts.
func (n *BlobNode) advertiseLocked() {
	channels := make([]string, 0, len(n.channels))
	for ch := range n.channels {
		channels = append(channels, strconv.Itoa(int(ch)))
	}
	sort.Strings(channels)
	if err := uploadBlob(n.ctx, n.advert, []byte(strings.Join(channels, ","))); err != nil {
		log.Warn().Err(err).Str("node", n.addr).Msg("failed to advertise channels")
	}
}

func (n *BlobNode) Send(to Address, channel uint16, frame []byte, values ...[]byte) error {
	data, err := n.seal(channel, frame, values)
	if err != nil {
		return err
	}
	mailbox := n.service.NewContainerURL(to).NewBlockBlobURL(InboxBlobName)
	err = writeBlob(n.ctx, mailbox, data)
	if errors.Is(err, ErrClosed) {
		return nil // recipient's container is gone: dropped, not an error
	}
	return err
}

func (n *BlobNode) Broadcast(channel uint16, frame []byte, values ...[]byte) error {
	data, err := n.seal(channel, frame, values)
	if err != nil {
		return err
	}
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := n.service.ListContainersSegment(n.ctx, marker, azblob.ListContainersSegmentOptions{
			Prefix: n.prefix,
		})
		if err != nil {
			return classifyBlobError(err)
		}
		marker = resp.NextMarker

		for _, item := range resp.ContainerItems {
			if item.Name == n.addr {
				continue
			}
			container := n.service.NewContainerURL(item.Name)
			if !n.listensOn(container, channel) {
				continue
			}
			mailbox := container.NewBlockBlobURL(InboxBlobName)
			if err := writeBlob(n.ctx, mailbox, data); err != nil && !errors.Is(err, ErrClosed) {
				log.Warn().Err(err).Str("node", item.Name).Msg("broadcast delivery failed")
			}
		}
	}
	return nil
}

// listensOn reads a sibling's channel advert and reports whether it has
// channel open. Unreadable adverts count as not listening.
func (n *BlobNode) listensOn(container azblob.ContainerURL, channel uint16) bool {
	advert := container.NewBlockBlobURL(ChannelsBlobName)
	resp, err := advert.Download(n.ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return false
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return false
	}
	want := strconv.Itoa(int(channel))
	for _, entry := range strings.Split(string(data), ",") {
		if entry == want {
			return true
		}
	}
	return false
}

func (n *BlobNode) Await(timeout time.Duration, match func(Datagram) bool) (Datagram, error) {
	w := n.waits.add(match)
	defer n.waits.remove(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-w.ch:
		return d, nil
	case <-timer.C:
		return Datagram{}, ErrTimeout
	case <-n.ctx.Done():
		return Datagram{}, ErrClosed
	}
}

func (n *BlobNode) Subscribe(r Receiver) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, reg := range n.receivers {
		if reg == r {
			return false
		}
	}
	n.receivers = append(n.receivers, r)
	return true
}

func (n *BlobNode) Unsubscribe(r Receiver) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, reg := range n.receivers {
		if reg == r {
			n.receivers = append(n.receivers[:i], n.receivers[i+1:]...)
			return true
		}
	}
	return false
}

// Leave stops the poll loop and deletes the node's container.
func (n *BlobNode) Leave() {
	n.cancel()
	_, err := n.container.Delete(context.Background(), azblob.ContainerAccessConditions{})
	if err != nil {
		log.Debug().Err(err).Str("node", n.addr).Msg("container delete failed")
	}
}

func (n *BlobNode) seal(channel uint16, frame []byte, values [][]byte) ([]byte, error) {
	if len(values)+1 > n.MaxValues() {
		return nil, ErrTooManyValues
	}
	return msgpack.Marshal(envelope{
		From:    n.addr,
		Channel: channel,
		Frame:   frame,
		Values:  values,
	})
}

// run polls the mailbox and hands each datagram to waiters and
// subscribed receivers, one at a time.
func (n *BlobNode) run() {
	for {
		data, err := waitForData(n.ctx, n.inbox)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("node", n.addr).Msg("mailbox poll failed")
			continue
		}

		var env envelope
		if err := msgpack.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Str("node", n.addr).Msg("dropping undecodable envelope")
			continue
		}

		d := Datagram{From: env.From, Channel: env.Channel, Frame: env.Frame, Values: env.Values}

		n.mu.Lock()
		open := n.channels[d.Channel]
		receivers := append([]Receiver(nil), n.receivers...)
		n.mu.Unlock()
		if !open {
			continue
		}

		n.waits.offer(d)
		for _, r := range receivers {
			r.OnDatagram(d)
		}
	}
}

// writeBlob uploads data once the blob is empty, retrying with
// exponential backoff. A non-empty mailbox means the recipient has not
// drained the previous datagram yet.
func writeBlob(ctx context.Context, blob azblob.BlockBlobURL, data []byte) error {
	retryDelay := InitialRetryDelay

	for {
		empty, err := isBlobEmpty(ctx, blob)
		if err != nil {
			return err
		}

		if !empty {
			retryDelay, err = waitDelay(ctx, retryDelay)
			if err != nil {
				return err
			}
			continue
		}

		retryDelay = InitialRetryDelay

		if err := uploadBlob(ctx, blob, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			retryDelay, err = waitDelay(ctx, retryDelay)
			if err != nil {
				return err
			}
			continue
		}

		return nil
	}
}

// waitForData polls a blob until it holds data, then reads and clears it.
func waitForData(ctx context.Context, blob azblob.BlockBlobURL) ([]byte, error) {
	retryDelay := InitialRetryDelay

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		empty, err := isBlobEmpty(ctx, blob)
		if err != nil {
			return nil, err
		}

		if empty {
			retryDelay, err = waitDelay(ctx, retryDelay)
			if err != nil {
				return nil, err
			}
			continue
		}

		resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
		if err != nil {
			return nil, classifyBlobError(err)
		}

		body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, classifyBlobError(err)
		}

		if err := uploadBlob(ctx, blob, nil); err != nil {
			return nil, err
		}

		return data, nil
	}
}

func isBlobEmpty(ctx context.Context, blob azblob.BlockBlobURL) (bool, error) {
	props, err := blob.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return false, classifyBlobError(err)
	}
	return props.ContentLength() == 0, nil
}

func uploadBlob(ctx context.Context, blob azblob.BlockBlobURL, data []byte) error {
	_, err := blob.Upload(
		ctx,
		bytes.NewReader(data),
		azblob.BlobHTTPHeaders{ContentType: "application/octet-stream"},
		azblob.Metadata{},
		azblob.BlobAccessConditions{},
		azblob.DefaultAccessTier,
		nil,
		azblob.ClientProvidedKeyOptions{},
		azblob.ImmutabilityPolicyOptions{},
	)
	if err != nil {
		return classifyBlobError(err)
	}
	return nil
}

// classifyBlobError maps Azure storage errors onto transport errors.
// A missing or vanishing container means that endpoint is gone.
func classifyBlobError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		code := storageErr.ServiceCode()
		if code == azblob.ServiceCodeContainerNotFound ||
			code == azblob.ServiceCodeContainerBeingDeleted ||
			code == azblob.ServiceCodeAccountBeingCreated {
			return ErrClosed
		}
	}
	return err
}

// waitDelay sleeps for retryDelay and returns the next backoff step,
// capped at MaxRetryDelay.
func waitDelay(ctx context.Context, retryDelay time.Duration) (time.Duration, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(retryDelay):
		retryDelay = time.Duration(float64(retryDelay) * BackoffFactor)
		if retryDelay > MaxRetryDelay {
			retryDelay = MaxRetryDelay
		}
		return retryDelay, nil
	}
}
