// Package allowlist implementa o filtro de IPs/CIDRs IPv4 aplicado aos prefixos protegidos.
package allowlist

import (
	"strconv"
	"strings"

	"perimeter/internal/domain"
)

// entry é um endereço literal (prefix 32) ou um bloco CIDR
type entry struct {
	raw    string
	base   uint32
	prefix int
	valid  bool
}

func (e entry) matches(addr uint32) bool {
	if !e.valid {
		return false
	}
	if e.prefix == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - e.prefix)
	return addr&mask == e.base&mask
}

// List é a allow-list já interpretada; imutável após Parse e segura para uso concorrente
type List struct {
	entries []entry
	skipped []string
	mode    domain.EmptyAllowListMode
}

// Parse interpreta a lista separada por vírgulas.
// Entradas malformadas são mantidas como "nunca casa" e reportadas em Skipped; o restante da lista continua valendo.
func Parse(raw string, mode domain.EmptyAllowListMode, log domain.Logger) *List {
	if mode == "" {
		mode = domain.AllowAllWhenEmpty
	}

	list := &List{mode: mode}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		e := parseEntry(part)
		list.entries = append(list.entries, e)
		if !e.valid {
			list.skipped = append(list.skipped, part)
			if log != nil {
				log.Warn("Skipping malformed allow-list entry", map[string]interface{}{
					"entry": part,
				})
			}
		}
	}

	return list
}

// Allowed informa se o IP pode acessar um prefixo protegido
func (l *List) Allowed(ip string) bool {
	if len(l.entries) == 0 {
		return l.mode == domain.AllowAllWhenEmpty
	}

	addr, ok := parseIPv4(strings.TrimSpace(ip))
	if !ok {
		return false
	}

	for _, e := range l.entries {
		if e.matches(addr) {
			return true
		}
	}
	return false
}

// Mode retorna o modo aplicado quando a lista está vazia
func (l *List) Mode() domain.EmptyAllowListMode {
	return l.mode
}

// Len retorna o número de entradas configuradas, incluindo as inválidas
func (l *List) Len() int {
	return len(l.entries)
}

// Skipped retorna as entradas malformadas que nunca casam
func (l *List) Skipped() []string {
	out := make([]string, len(l.skipped))
	copy(out, l.skipped)
	return out
}

// IPAllowed avalia um IP contra a lista configurada no modo padrão (lista vazia libera tudo)
func IPAllowed(ip, configured string) bool {
	return Parse(configured, domain.AllowAllWhenEmpty, nil).Allowed(ip)
}

func parseEntry(raw string) entry {
	e := entry{raw: raw}

	addrPart, prefixPart, hasPrefix := strings.Cut(raw, "/")
	base, ok := parseIPv4(addrPart)
	if !ok {
		return e
	}

	prefix := 32
	if hasPrefix {
		p, err := strconv.Atoi(prefixPart)
		if err != nil || p < 0 || p > 32 {
			return e
		}
		prefix = p
	}

	e.base = base
	e.prefix = prefix
	e.valid = true
	return e
}

// parseIPv4 aceita apenas quatro octetos decimais, sem zeros à esquerda ambíguos
func parseIPv4(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}

	var addr uint32
	for _, p := range parts {
		if p == "" || len(p) > 3 || (len(p) > 1 && p[0] == '0') {
			return 0, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		addr = addr<<8 | uint32(n)
	}
	return addr, true
}
