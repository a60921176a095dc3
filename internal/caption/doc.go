// Package caption merges asynchronous recognition, translation, and volume
// events into one coherent per-session caption state under per-category
// update-rate limits, and fans the result out to overlay surfaces.
package caption
