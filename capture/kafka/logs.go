// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package kafka

import (
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"

	"swotap/common/reporter"
)

func init() {
	// The logger in Sarama is global. Do the same.
	sarama.Logger = &globalKafkaLogger
}

var globalKafkaLogger kafkaLogger

type kafkaLogger struct {
	r atomic.Pointer[reporter.Reporter]
}

func (l *kafkaLogger) debug(msg string) {
	if r := l.r.Load(); r != nil {
		if e := r.Debug(); e.Enabled() {
			e.Msg(msg)
		}
	}
}

func (l *kafkaLogger) Print(v ...any) {
	l.debug(fmt.Sprint(v...))
}

func (l *kafkaLogger) Println(v ...any) {
	l.debug(fmt.Sprint(v...))
}

func (l *kafkaLogger) Printf(format string, v ...any) {
	l.debug(fmt.Sprintf(format, v...))
}
