package optimizer

import (
	"errors"
	"fmt"

	"github.com/marmos91/pkgload/internal/logger"
)

// RedirectResult is the outcome of ProcessRedirect.
type RedirectResult int

const (
	// RedirectSkipped leaves both packages independent.
	RedirectSkipped RedirectResult = iota
	// RedirectVerified remapped every public export after a full match.
	RedirectVerified
	// RedirectUnverified remapped the path matches of a partial match.
	RedirectUnverified
)

func (r RedirectResult) String() string {
	switch r {
	case RedirectVerified:
		return "verified"
	case RedirectUnverified:
		return "unverified"
	default:
		return "skipped"
	}
}

// ErrInvalidRedirect is returned when target and source are the same package.
var ErrInvalidRedirect = errors.New("package cannot redirect itself")

type exportPair struct {
	target, source int
}

// ProcessRedirect makes the public exports of target answer for the public
// exports of source with the same relative path.
//
// A full match (same public path set, same classes) is remapped as verified.
// Otherwise the redirect is skipped unless allowUnverified is set; an
// unverified remap covers only the path matches and is refused when any of
// them is a type definition with no outer.
func (o *Optimizer) ProcessRedirect(target, source *Package, allowUnverified bool) (RedirectResult, error) {
	if target.ID == source.ID {
		return RedirectSkipped, fmt.Errorf("%w: %s", ErrInvalidRedirect, target.Name)
	}

	sourceByPath := make(map[string]int)
	for i, e := range source.exports {
		if e.raw.Public {
			sourceByPath[e.relPath] = i
		}
	}

	var (
		pairs    []exportPair
		mismatch []string
		matched  = make(map[int]bool)
	)
	for i, e := range target.exports {
		if !e.raw.Public {
			continue
		}
		si, ok := sourceByPath[e.relPath]
		if !ok {
			mismatch = append(mismatch, e.relPath+": not in source")
			continue
		}
		matched[si] = true
		pairs = append(pairs, exportPair{target: i, source: si})
		if e.classPath != source.exports[si].classPath {
			mismatch = append(mismatch, fmt.Sprintf("%s: class %s != %s",
				e.relPath, e.classPath, source.exports[si].classPath))
		}
	}
	for path, si := range sourceByPath {
		if !matched[si] {
			mismatch = append(mismatch, path+": not in target")
		}
	}

	if len(mismatch) == 0 {
		o.remap(target, source, pairs)
		logger.Debug("redirect verified", logger.KeyPackage, target.Name,
			"source", source.Name, logger.KeyCount, len(pairs))
		return RedirectVerified, nil
	}

	logger.Warn("redirect export mismatch", logger.KeyPackage, target.Name,
		"source", source.Name, "mismatches", len(mismatch), "first", mismatch[0])
	if !allowUnverified {
		return RedirectSkipped, nil
	}
	for _, pr := range pairs {
		if target.isTypeDefinition(pr.target) || source.isTypeDefinition(pr.source) {
			logger.Warn("unverified redirect refused: type definition without outer",
				logger.KeyPackage, target.Name, logger.KeyObject, target.exports[pr.target].relPath)
			return RedirectSkipped, nil
		}
	}
	o.remap(target, source, pairs)
	target.unverified = true
	return RedirectUnverified, nil
}

func (o *Optimizer) remap(target, source *Package, pairs []exportPair) {
	for _, pr := range pairs {
		t, s := &target.exports[pr.target], source.exports[pr.source]
		delete(target.byHash, t.hash)
		t.hash = s.hash
		t.global = s.global
		t.redirected = true
		target.byHash[t.hash] = pr.target
	}
	target.redirect = source.ID
}
