package client

import (
	"context"
	"fmt"
	"time"

	units "github.com/docker/go-units"

	"github.com/rocketbitz/tapasco-go/pe"
)

// Alloc reserves size bytes of device memory and returns the device address.
func (c *Client) Alloc(size int) (uint64, error) {
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	if c.mem == nil {
		return 0, fmt.Errorf("%w: no device memory configured", pe.ErrOutOfMemory)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: allocation size %d", pe.ErrInvalidArgument, size)
	}
	addr, err := c.mem.Alloc(uint64(size))
	if err != nil {
		return 0, err
	}
	c.logf("client: device alloc addr=0x%x size=%s", addr, units.BytesSize(float64(size)))
	return addr, nil
}

// Free releases device memory obtained from Alloc.
func (c *Client) Free(addr uint64) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if c.mem == nil {
		return fmt.Errorf("%w: no device memory configured", pe.ErrInvalidArgument)
	}
	return c.mem.Free(addr)
}

// DeviceMemory reports the allocatable and currently allocated device bytes.
func (c *Client) DeviceMemory() (total, used uint64) {
	if c == nil || c.mem == nil {
		return 0, 0
	}
	return c.mem.Size(), c.mem.InUse()
}

// CopyTo writes data to device memory at deviceAddr through pooled DMA
// buffers, one bounce buffer per transfer.
func (c *Client) CopyTo(ctx context.Context, deviceAddr uint64, data []byte) error {
	return c.copy(ctx, pe.ToDevice, deviceAddr, data)
}

// CopyFrom fills dst from device memory at deviceAddr.
func (c *Client) CopyFrom(ctx context.Context, deviceAddr uint64, dst []byte) error {
	return c.copy(ctx, pe.FromDevice, deviceAddr, dst)
}

func (c *Client) copy(ctx context.Context, dir pe.Direction, deviceAddr uint64, data []byte) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if c.bounce == nil || c.rt.DMA() == nil {
		return ErrNoDMA
	}
	if len(data) == 0 {
		return nil
	}
	ctx, cancel := c.operationContext(ctx)
	defer cancel()

	span := c.startSpan("tapasco-client-dma",
		TraceAttribute{Key: "direction", Value: dir.String()},
		TraceAttribute{Key: "device_addr", Value: fmt.Sprintf("0x%x", deviceAddr)},
		TraceAttribute{Key: "length", Value: len(data)},
	)
	start := time.Now()
	err := c.copyChunks(ctx, dir, deviceAddr, data)
	c.logTransfer(dir, deviceAddr, len(data), time.Since(start), err, span)
	finishSpan(span, err)
	return err
}

func (c *Client) copyChunks(ctx context.Context, dir pe.Direction, deviceAddr uint64, data []byte) error {
	chunk := c.bounce.Size()
	for off := 0; off < len(data); off += chunk {
		n := min(chunk, len(data)-off)
		if err := c.copyChunk(ctx, dir, deviceAddr+uint64(off), data[off:off+n]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) copyChunk(ctx context.Context, dir pe.Direction, deviceAddr uint64, part []byte) error {
	buf, err := c.bounce.Acquire()
	if err != nil {
		return fmt.Errorf("acquire bounce buffer: %w", err)
	}
	if dir == pe.ToDevice {
		copy(buf.Bytes(), part)
	}
	release := func() { c.bounce.Release(buf) }
	err = c.rt.DMA().CopyRelease(ctx, dir, deviceAddr, buf.Addr, uint32(len(part)), release)
	if err != nil {
		return fmt.Errorf("dma %s at 0x%x: %w", dir, deviceAddr, err)
	}
	if dir == pe.FromDevice {
		copy(part, buf.Bytes())
	}
	c.bounce.Release(buf)
	return nil
}

func (c *Client) logTransfer(dir pe.Direction, deviceAddr uint64, length int, elapsed time.Duration, err error, span Span) {
	status := "ok"
	event := "transfer_completed"
	if err != nil {
		status = "error"
		event = "transfer_failed"
		c.stats.transfersFailed.Add(1)
	} else {
		c.stats.transfersCompleted.Add(1)
		if dir == pe.ToDevice {
			c.stats.bytesToDevice.Add(uint64(length))
		} else {
			c.stats.bytesFromDevice.Add(uint64(length))
		}
	}
	fields := []logField{
		logKV("direction", dir.String()),
		logKV("status", status),
	}
	all := append(append([]logField(nil), fields...),
		logKV("device_addr", fmt.Sprintf("0x%x", deviceAddr)),
		logKV("size", units.BytesSize(float64(length))),
		logKV("duration", elapsed),
	)
	if err != nil {
		all = append(all, logKV("error", err))
	}
	c.logDispatcherEvent(event, all...)
	spanAddEvent(span, event, all...)
	if err != nil {
		spanRecordError(span, err)
		c.metricTransferFailed(err, fields[0])
		return
	}
	c.metricTransferCompleted(fields...)
}
