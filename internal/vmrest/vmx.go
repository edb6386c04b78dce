// Copyright 2025 The OpenIDCS Authors
// SPDX-License-Identifier: Apache-2.0

package vmrest

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/open-idcs/openidcs/internal/machines"
)

// Virtual hardware version written into every generated definition.
const HardwareVersion = "21"

// Document is a key/value tree that renders to vmx text. Keys keep their
// insertion order, values are strings, numbers or nested documents.
type Document struct {
	keys     []string
	children map[string]any
}

func NewDocument() *Document {
	return &Document{children: map[string]any{}}
}

// Set adds a key or replaces its value, keeping the original position.
func (d *Document) Set(key string, value any) *Document {
	if _, ok := d.children[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.children[key] = value
	return d
}

// Render flattens the tree depth first into one `key = value` line per
// leaf. Keys of nested documents are joined with dots. Strings are quoted,
// everything else is written bare.
func (d *Document) Render() string {
	var b strings.Builder
	d.render(&b, "")
	return b.String()
}

func (d *Document) render(b *strings.Builder, prefix string) {
	for _, key := range d.keys {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		switch v := d.children[key].(type) {
		case *Document:
			v.render(b, full)
		case string:
			b.WriteString(full + " = \"" + v + "\"\n")
		default:
			fmt.Fprintf(b, "%s = %v\n", full, v)
		}
	}
}

// BuildVMX renders the full definition of a guest. The guestOS tag must
// already be resolved through the host's system map, and the vnc port must
// be the one allocated for this guest on its host.
//
// NIC blocks are numbered in sorted label order. Extra disks fill nvme
// slots from 1, one per hdd_all entry; their vmdk files are referenced
// but not provisioned here.
func BuildVMX(config machines.GuestConfig, guestOS string, vncPort int) string {
	doc := NewDocument().
		Set(".encoding", "GBK").
		Set("config.version", "8").
		Set("virtualHW.version", HardwareVersion).
		Set("displayName", config.UUID).
		Set("firmware", "efi").
		Set("guestOS", guestOS).
		Set("numvcpus", strconv.Itoa(config.CPUNum)).
		Set("cpuid.coresPerSocket", strconv.Itoa(config.CPUNum)).
		Set("memsize", strconv.Itoa(config.MemNum)).
		Set("mem.hotadd", "TRUE").
		Set("mks.enable3d", "TRUE").
		Set("svga.graphicsMemoryKB", strconv.Itoa(config.GPUMem*1024)).
		Set("vmci0.present", "TRUE").
		Set("hpet0.present", "TRUE").
		Set("usb.present", "TRUE").
		Set("ehci.present", "TRUE").
		Set("usb_xhci.present", "TRUE").
		Set("tools.syncTime", "TRUE").
		Set("nvram", config.UUID+".nvram").
		Set("virtualHW.productCompatibility", "hosted").
		Set("extendedConfigFile", config.UUID+".vmxf").
		Set("pciBridge0", NewDocument().
			Set("present", "TRUE")).
		Set("pciBridge4", NewDocument().
			Set("present", "TRUE").
			Set("virtualDev", "pcieRootPort").
			Set("functions", "8")).
		Set("nvme0.present", "TRUE").
		Set("nvme0:0", NewDocument().
			Set("fileName", config.UUID+".vmdk").
			Set("present", "TRUE")).
		Set("RemoteDisplay", NewDocument().
			Set("vnc", NewDocument().
				Set("enabled", "TRUE").
				Set("port", strconv.Itoa(vncPort))))

	for i, label := range slices.Sorted(maps.Keys(config.NicAll)) {
		nic := config.NicAll[label]
		addressType := "static"
		if nic.MacAddr == "" {
			addressType = "generated"
		}
		doc.Set(fmt.Sprintf("ethernet%d", i), NewDocument().
			Set("connectionType", nic.NicType).
			Set("addressType", addressType).
			Set("address", nic.MacAddr).
			Set("virtualDev", "e1000e").
			Set("present", "TRUE").
			Set("txbw.limit", strconv.Itoa(config.SpeedU*1024)).
			Set("rxbw.limit", strconv.Itoa(config.SpeedD*1024)))
	}
	for slot := 1; slot <= len(config.HddAll); slot++ {
		doc.Set(fmt.Sprintf("nvme0:%d", slot), NewDocument().
			Set("fileName", fmt.Sprintf("%s-%d.vmdk", config.UUID, slot)).
			Set("present", "TRUE"))
	}
	return doc.Render()
}
