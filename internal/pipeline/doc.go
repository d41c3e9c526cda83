// Package pipeline runs one ingestion pass: discover links from the seed page,
// fetch the in-scope pages, normalize and chunk them, then replace the
// outputs of the previous run. Each stage can also run on its own, handing
// off through the intermediate files the way the stage commands do.
package pipeline
