// Copyright 2023 The Basalt Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package basalt

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// LevelMetrics holds per-level metrics.
type LevelMetrics struct {
	// NumFiles is the number of sstables at the level.
	NumFiles int
	// Size is the total size of the sstables at the level, in bytes.
	Size uint64
	// Score is the level's compaction score: a score >= 1 means the level
	// is due for compaction.
	Score float64
}

// Metrics holds metrics for various subsystems of the DB.
type Metrics struct {
	Levels [numLevels]LevelMetrics

	// MemTableSize is the approximate memory usage of the mutable
	// memtable, in bytes.
	MemTableSize uint64

	// Flushes is the count of completed memtable flushes.
	Flushes int64
	// Compactions is the count of completed compactions, including
	// trivial moves.
	Compactions int64

	// ObsoleteTables is the count of sstables deleted as obsolete.
	ObsoleteTables int64
}

// String pretty-prints the metrics, one level per line.
func (m *Metrics) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "level  files      size  score\n")
	var totalFiles int
	var totalSize uint64
	for level := range m.Levels {
		l := &m.Levels[level]
		fmt.Fprintf(&buf, "%5d %6d %9d %6.1f\n", level, l.NumFiles, l.Size, l.Score)
		totalFiles += l.NumFiles
		totalSize += l.Size
	}
	fmt.Fprintf(&buf, "total %6d %9d\n", totalFiles, totalSize)
	fmt.Fprintf(&buf, "flushes %d compactions %d\n", m.Flushes, m.Compactions)
	return buf.String()
}

// Metrics returns a snapshot of the DB's metrics.
func (d *DB) Metrics() *Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &Metrics{}
	v := d.versions.currentVersion()
	for level := range v.Files {
		m.Levels[level].NumFiles = len(v.Files[level])
		m.Levels[level].Size = d.versions.levelBytes(level)
		switch {
		case level == 0:
			m.Levels[level].Score = float64(len(v.Files[0])) / float64(d.opts.L0CompactionThreshold)
		case level < numLevels-1:
			m.Levels[level].Score = float64(m.Levels[level].Size) / d.opts.maxBytesForLevel(level)
		}
	}
	m.MemTableSize = d.mu.mem.approximateMemoryUsage()
	m.Flushes = d.mu.metrics.flushes
	m.Compactions = d.mu.metrics.compactions
	m.ObsoleteTables = d.mu.metrics.obsoleteTables
	return m
}

var (
	descNumFiles = prometheus.NewDesc(
		"basalt_level_num_files",
		"Number of sstables per LSM level.",
		[]string{"level"}, nil)
	descLevelSize = prometheus.NewDesc(
		"basalt_level_size_bytes",
		"Total sstable bytes per LSM level.",
		[]string{"level"}, nil)
	descLevelScore = prometheus.NewDesc(
		"basalt_level_score",
		"Compaction score per LSM level.",
		[]string{"level"}, nil)
	descMemTableSize = prometheus.NewDesc(
		"basalt_memtable_size_bytes",
		"Approximate bytes in use by the mutable memtable.",
		nil, nil)
	descFlushes = prometheus.NewDesc(
		"basalt_flushes_total",
		"Count of completed memtable flushes.",
		nil, nil)
	descCompactions = prometheus.NewDesc(
		"basalt_compactions_total",
		"Count of completed compactions.",
		nil, nil)
)

// collector implements prometheus.Collector over a DB's metrics.
type collector struct {
	db *DB
}

// NewCollector returns a prometheus.Collector exposing the DB's metrics.
func NewCollector(db *DB) prometheus.Collector {
	return &collector{db: db}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descNumFiles
	ch <- descLevelSize
	ch <- descLevelScore
	ch <- descMemTableSize
	ch <- descFlushes
	ch <- descCompactions
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()
	for level := range m.Levels {
		l := &m.Levels[level]
		label := fmt.Sprint(level)
		ch <- prometheus.MustNewConstMetric(
			descNumFiles, prometheus.GaugeValue, float64(l.NumFiles), label)
		ch <- prometheus.MustNewConstMetric(
			descLevelSize, prometheus.GaugeValue, float64(l.Size), label)
		ch <- prometheus.MustNewConstMetric(
			descLevelScore, prometheus.GaugeValue, l.Score, label)
	}
	ch <- prometheus.MustNewConstMetric(
		descMemTableSize, prometheus.GaugeValue, float64(m.MemTableSize))
	ch <- prometheus.MustNewConstMetric(
		descFlushes, prometheus.CounterValue, float64(m.Flushes))
	ch <- prometheus.MustNewConstMetric(
		descCompactions, prometheus.CounterValue, float64(m.Compactions))
}
