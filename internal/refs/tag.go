package refs

import (
	"fmt"
	"strings"

	"github.com/gitvault/server/internal/objects"
)

// ObjectPutter is the narrow write contract refs needs from the object
// store to create annotated tag objects.
type ObjectPutter interface {
	Put(typ objects.ObjectType, data []byte) (objects.ObjectID, error)
}

// CreateLightweightTag points refs/tags/<name> directly at target.
func (s *Store) CreateLightweightTag(name string, target objects.ObjectID, force bool) error {
	if err := ValidateShortName(name); err != nil {
		return err
	}
	refName := "refs/tags/" + name
	if !force {
		if _, err := s.GetRef(refName); err == nil {
			return fmt.Errorf("%w: tag %s", ErrAlreadyExists, name)
		}
	}
	return s.SetRef(refName, target, nil)
}

// CreateAnnotatedTag builds a tag object (object, type, tag, tagger,
// message), writes it through store, and points refs/tags/<name> at
// the tag object's own sha.
func (s *Store) CreateAnnotatedTag(store ObjectPutter, name string, target objects.ObjectID, targetType objects.ObjectType, tagger objects.Signature, message string, force bool) error {
	if err := ValidateShortName(name); err != nil {
		return err
	}
	refName := "refs/tags/" + name
	if !force {
		if _, err := s.GetRef(refName); err == nil {
			return fmt.Errorf("%w: tag %s", ErrAlreadyExists, name)
		}
	}

	tagObj := objects.NewTag(target, targetType, name, tagger, message)
	data, err := tagObj.Serialize()
	if err != nil {
		return fmt.Errorf("refs: serialize tag %s: %w", name, err)
	}
	tagSHA, err := store.Put(objects.TypeTag, data)
	if err != nil {
		return fmt.Errorf("refs: write tag object %s: %w", name, err)
	}
	return s.SetRef(refName, tagSHA, nil)
}

// DeleteTag removes refs/tags/<name>.
func (s *Store) DeleteTag(name string) error {
	return s.DeleteRef("refs/tags/" + name)
}

// TagObjectReader resolves a tag object's header fields, used by
// ResolveToCommit to follow annotated→annotated chains.
type TagObjectReader interface {
	ReadTag(sha objects.ObjectID) (object objects.ObjectID, typ objects.ObjectType, err error)
}

// ResolveToCommit follows refs/tags/<name> through up to 50 levels of
// annotated-tag nesting (tags can point at tags) and returns the
// commit it ultimately resolves to.
func (s *Store) ResolveToCommit(reader TagObjectReader, name string) (objects.ObjectID, error) {
	refName := name
	if !strings.HasPrefix(name, "refs/") {
		refName = "refs/tags/" + name
	}
	sha, err := s.Resolve(refName)
	if err != nil {
		return objects.ObjectID{}, err
	}

	const maxDepth = 50
	for i := 0; i < maxDepth; i++ {
		target, typ, err := reader.ReadTag(sha)
		if err != nil {
			// Not a tag object (or lightweight tag pointing straight
			// at a commit) — sha is already what we want.
			return sha, nil
		}
		if typ != objects.TypeTag {
			return target, nil
		}
		sha = target
	}
	return objects.ObjectID{}, fmt.Errorf("refs: annotated tag chain exceeds depth %d at %s", maxDepth, name)
}
