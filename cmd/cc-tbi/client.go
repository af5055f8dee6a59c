// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-tbi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"encoding/binary"
	"math/rand"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-tbi/internal/config"
	"github.com/ClusterCockpit/cc-tbi/pkg/tbi"
)

// tempAndHumRecord lays out one temp_and_hum record in native byte order.
func tempAndHumRecord(timeS uint32, temp uint32, hum uint8) []byte {
	buf := make([]byte, 9)
	binary.NativeEndian.PutUint32(buf[0:], timeS)
	binary.NativeEndian.PutUint32(buf[4:], temp)
	buf[8] = hum
	return buf
}

// accelRecord lays out one accel record in native byte order.
func accelRecord(timeS uint32, x uint16, y, z int16, temp int8) []byte {
	buf := make([]byte, 11)
	binary.NativeEndian.PutUint32(buf[0:], timeS)
	binary.NativeEndian.PutUint16(buf[4:], x)
	binary.NativeEndian.PutUint16(buf[6:], uint16(y))
	binary.NativeEndian.PutUint16(buf[8:], uint16(z))
	buf[10] = byte(temp)
	return buf
}

func runClient() int {
	ctx := tbi.New(schemaVersion)
	if err := ctx.RegisterSchema(demoSchema()); err != nil {
		cclog.Errorf("register schema: %s", err.Error())
		return 1
	}

	if err := ctx.ClientInit(config.Keys.Addr); err != nil {
		cclog.Errorf("client init: %s", err.Error())
		return 1
	}
	defer ctx.Close()

	start := time.Now()
	temp, hum := uint32(21000), uint8(40)
	x, y, z := uint16(512), int16(0), int16(0)

	for i := 0; i < flagCount; i++ {
		elapsed := uint32(time.Since(start).Seconds())

		// Drift the synthetic sensors a little every tick.
		temp += uint32(rand.Intn(20))
		hum = uint8(40 + rand.Intn(10))
		x += uint16(rand.Intn(8))
		y += int16(rand.Intn(16) - 8)
		z += int16(rand.Intn(16) - 8)

		if err := ctx.Schedule(1, tempAndHumRecord(elapsed, temp, hum)); err != nil {
			cclog.Errorf("schedule temp_and_hum: %s", err.Error())
			return 1
		}
		if err := ctx.Schedule(2, accelRecord(elapsed, x, y, z, int8(22))); err != nil {
			cclog.Errorf("schedule accel: %s", err.Error())
			return 1
		}

		// Flush everything that is ready.
		for {
			n, err := ctx.ClientProcess()
			if err != nil {
				cclog.Errorf("client process: %s", err.Error())
				return 1
			}
			if n == 0 {
				break
			}
			cclog.Debugf("sent %d record(s)", n)
		}

		time.Sleep(100 * time.Millisecond)
	}

	// A last flush for the bundled entries whose interval may not have
	// elapsed inside the loop.
	time.Sleep(time.Second)
	if n, err := ctx.ClientProcess(); err == nil && n > 0 {
		cclog.Debugf("sent %d record(s) on final flush", n)
	}

	return 0
}
